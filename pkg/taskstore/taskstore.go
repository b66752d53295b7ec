// Package taskstore is the task-change source described in spec.md §4.6:
// a live feed of insert/update/replace/delete events against the
// authoritative task collection, used by the reconciler and the
// coordinator to learn about new, changed, or removed ingestion tasks
// without polling.
package taskstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/taskmesh/pkg/types"
)

// ChangeKind mirrors the operationType values a MongoDB change stream
// emits, restricted to the ones spec.md §4.6 says the fleet must react to.
type ChangeKind string

const (
	ChangeInsert     ChangeKind = "insert"
	ChangeUpdate     ChangeKind = "update"
	ChangeReplace    ChangeKind = "replace"
	ChangeDelete     ChangeKind = "delete"
	ChangeInvalidate ChangeKind = "invalidate"
)

// Change is one normalized task-change event. Task is populated for every
// kind except ChangeDelete and ChangeInvalidate, where only TaskID (or
// nothing, for invalidate) is known.
type Change struct {
	Kind   ChangeKind
	TaskID string
	Task   types.Task
}

// Source streams Changes from a MongoDB collection's change stream.
type Source struct {
	coll *mongo.Collection
}

// New wraps a collection as a task-change Source. db.Collection(name)
// picks the collection; callers are expected to have already connected
// with mongo.Connect.
func New(db *mongo.Database, collection string) *Source {
	return &Source{coll: db.Collection(collection)}
}

type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *types.Task `bson:"fullDocument"`
}

// Watch opens a change stream and delivers normalized Changes on the
// returned channel until ctx is canceled or the stream errors, at which
// point the channel is closed. FullDocument lookup is enabled so update
// events carry the complete post-image rather than just a diff, matching
// spec.md §4.6's requirement that the reconciler never has to re-fetch a
// task to learn its current Params.
func (s *Source) Watch(ctx context.Context) (<-chan Change, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete", "invalidate"}}}},
		}}},
	}

	stream, err := s.coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open change stream: %w", err)
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer stream.Close(ctx)

		for stream.Next(ctx) {
			var doc changeDoc
			if err := stream.Decode(&doc); err != nil {
				continue
			}

			change := Change{Kind: ChangeKind(doc.OperationType)}
			if id, ok := doc.DocumentKey.ID.(string); ok {
				change.TaskID = id
			} else if doc.FullDocument != nil {
				change.TaskID = doc.FullDocument.ID.String()
			}
			if doc.FullDocument != nil {
				change.Task = *doc.FullDocument
			}

			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// List returns every task currently in the collection, used once at
// startup to seed the ring before the live change stream takes over.
func (s *Source) List(ctx context.Context) ([]types.Task, error) {
	cur, err := s.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("taskstore: list tasks: %w", err)
	}
	defer cur.Close(ctx)

	var tasks []types.Task
	if err := cur.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("taskstore: decode task list: %w", err)
	}
	return tasks, nil
}
