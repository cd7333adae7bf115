// Package recordpack is an embedded, record-oriented container format for
// machine-learning training datasets.
//
// A dataset is a directory of shard files plus an index, described by a
// manifest. Fixed-width row data and variable-length blob data live in
// separate regions of each shard, so sequential row scans stay cache-friendly
// while large payloads (images, tensors) are fetched with one positioned
// read. Records are written through a transactional Writer and read back by
// any number of concurrent Readers.
//
// # Quick Start
//
// Define a schema and write records:
//
//	s, err := schema.New(
//	    schema.Field{Name: "id", Type: schema.TypeInt64},
//	    schema.Field{Name: "label", Type: schema.TypeInt32, Indexable: true},
//	    schema.Field{Name: "image", Type: schema.TypeBytes},
//	)
//	if err != nil {
//	    panic(err)
//	}
//
//	w, err := recordpack.CreateDataset("./data", s,
//	    recordpack.WithCompression(shard.CompressionZSTD),
//	)
//	if err != nil {
//	    panic(err)
//	}
//
//	id, err := w.Write(record.Record{
//	    "id":    record.Int64(0),
//	    "label": record.Int32(5),
//	    "image": record.Bytes(imgData),
//	})
//	...
//	if err := w.Seal(); err != nil {
//	    panic(err)
//	}
//
// Read them back:
//
//	r, err := recordpack.OpenDataset("./data")
//	if err != nil {
//	    panic(err)
//	}
//	defer r.Close()
//
//	rec, err := r.Get(id)
//
//	for id, rec := range r.GetRange(0, 999) {
//	    ...
//	}
//
// # Durability
//
// Commit is the durability barrier: after it returns, every record written
// so far survives a crash and is visible to a fresh Reader. The Writer
// auto-commits every WithCommitEvery records. A dataset cut short by a crash
// is opened with WithRecovery, which returns exactly the committed prefix.
//
// # Concurrency
//
// One Writer per dataset, enforced with an exclusive file lock. Readers are
// immutable after open and safe for any number of goroutines. Parallel bulk
// loads write disjoint datasets (see WithFirstShardID) and merge afterwards.
package recordpack

// Names of the fixed per-dataset files. Shard files are numbered
// shard-%05d.rpk.
const (
	LockFileName     = "LOCK"
	IndexFileName    = "index.rpi"
	PostingsFileName = "index.rpp"
)
