// Package storage provides the node-local key/value persistence a node
// agent uses for its meta state and shard copy records.
//
// Two implementations satisfy Store:
//
//	MemoryStore  map guarded by a RWMutex, nothing survives a restart
//	BoltStore    single bucket in a bolt file, used when a data directory is set
//
// Keys are plain strings. Callers namespace them with a prefix such as
// "meta/" or "shard/" and enumerate a namespace with List.
package storage
