package taskstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestChangeDocDecodesFullDocument(t *testing.T) {
	taskID := uuid.New()
	entityID := uuid.New()

	raw, err := bson.Marshal(bson.M{
		"operationType": "insert",
		"documentKey":   bson.M{"_id": taskID.String()},
		"fullDocument": bson.M{
			"_id":       taskID,
			"entity_id": entityID,
			"kind":      "rtmp-ingest",
			"params":    bson.M{"stream_key": "abc"},
		},
	})
	assert.NoError(t, err)

	var doc changeDoc
	assert.NoError(t, bson.Unmarshal(raw, &doc))

	assert.Equal(t, "insert", doc.OperationType)
	assert.NotNil(t, doc.FullDocument)
	assert.Equal(t, "rtmp-ingest", doc.FullDocument.Kind)
	assert.Equal(t, taskID, doc.FullDocument.ID)
}

func TestChangeDocDecodesDeleteWithoutFullDocument(t *testing.T) {
	taskID := uuid.New()
	raw, err := bson.Marshal(bson.M{
		"operationType": "delete",
		"documentKey":   bson.M{"_id": taskID.String()},
	})
	assert.NoError(t, err)

	var doc changeDoc
	assert.NoError(t, bson.Unmarshal(raw, &doc))

	assert.Equal(t, "delete", doc.OperationType)
	assert.Nil(t, doc.FullDocument)
	assert.Equal(t, taskID.String(), doc.DocumentKey.ID)
}
