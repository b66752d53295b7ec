/*
Package storage persists the small amount of node-local state that must
survive a process restart: mTLS certificate material and the set of
peers this node has evicted.

# Why so little

Most cluster state in taskmesh is either held in memory by the gossip
runtime (membership, liveness) or owned by the external task store
(pkg/taskstore) — a restarted node rebuilds both by rejoining the
cluster and reopening the change stream. The only state that genuinely
cannot be recovered by rejoining is the node's own certificate material
(needed before it can open an mTLS connection to anyone) and its recent
eviction decisions (needed so a flapping peer isn't immediately
re-admitted the moment this node restarts).

# Usage

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	leafPEM, keyPEM, caPEM, err := store.LoadCert()
	if err != nil {
		// provision fresh certs out of band, then:
		store.SaveCert(leafPEM, keyPEM, caPEM)
	}
*/
package storage
