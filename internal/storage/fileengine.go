package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"

	"github.com/calvinalkan/diffbelt/pkg/fs"
)

// fileEngine adds crash-durable persistence on top of memEngine: a
// write-ahead log of batches since the last checkpoint, plus a full
// checkpoint file written atomically via [fs.AtomicWriter] — the same
// primitive this codebase already uses for crash-safe file replacement.
//
// This is still a reference/test engine, not a production storage backend;
// the design spec explicitly treats the real ordered-KV engine as an
// external collaborator (§1). It exists so the rest of the core can be
// exercised against something that actually survives a restart.
type fileEngine struct {
	mem *memEngine

	mu       sync.Mutex
	fsys     fs.FS
	atomic   *fs.AtomicWriter
	dir      string
	walPath  string
	ckptPath string
	wal      fs.File
}

// OpenFileEngine opens (creating if needed) a durable engine rooted at dir.
func OpenFileEngine(dir string) (Engine, error) {
	fsys := fs.NewReal()

	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return nil, storageErr("open_file_engine", fmt.Errorf("mkdir: %w", err))
	}

	e := &fileEngine{
		mem:      &memEngine{tree: btree.New(btreeDegree)},
		fsys:     fsys,
		atomic:   fs.NewAtomicWriter(fsys),
		dir:      dir,
		walPath:  filepath.Join(dir, "wal.log"),
		ckptPath: filepath.Join(dir, "checkpoint.bin"),
	}

	if err := e.recover(); err != nil {
		return nil, err
	}

	wal, err := fsys.OpenFile(e.walPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, storageErr("open_file_engine", fmt.Errorf("open wal: %w", err))
	}

	e.wal = wal

	return e, nil
}

func (e *fileEngine) recover() error {
	if exists, _ := e.fsys.Exists(e.ckptPath); exists {
		data, err := e.fsys.ReadFile(e.ckptPath)
		if err != nil {
			return storageErr("recover", fmt.Errorf("read checkpoint: %w", err))
		}

		if err := loadCheckpoint(e.mem, data); err != nil {
			return storageErr("recover", fmt.Errorf("decode checkpoint: %w", err))
		}
	}

	if exists, _ := e.fsys.Exists(e.walPath); exists {
		data, err := e.fsys.ReadFile(e.walPath)
		if err != nil {
			return storageErr("recover", fmt.Errorf("read wal: %w", err))
		}

		batches, err := decodeWAL(data)
		if err != nil {
			return storageErr("recover", fmt.Errorf("decode wal: %w", err))
		}

		for _, ops := range batches {
			if err := e.mem.PutBatch(ops); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *fileEngine) RegisterMergeOperator(fn MergeOperator) { e.mem.RegisterMergeOperator(fn) }

func (e *fileEngine) Get(key []byte) ([]byte, bool, error) { return e.mem.Get(key) }

func (e *fileEngine) Snapshot() Snapshot { return e.mem.Snapshot() }

func (e *fileEngine) PutBatch(ops []Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := encodeWALBatch(ops)

	if _, err := e.wal.Write(rec); err != nil {
		return storageErr("put_batch", fmt.Errorf("append wal: %w", err))
	}

	if err := e.wal.Sync(); err != nil {
		return storageErr("put_batch", fmt.Errorf("sync wal: %w", err))
	}

	return e.mem.PutBatch(ops)
}

// Checkpoint flushes the current state to the checkpoint file and truncates
// the WAL. Safe to call concurrently with reads; it takes the same mutex
// as PutBatch, so it never interleaves with a write. No code in this
// repository calls it, so the WAL is never truncated.
func (e *fileEngine) Checkpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.mem.Snapshot()
	defer snap.Release()

	data := encodeCheckpoint(snap)

	if err := e.atomic.Write(e.ckptPath, bytes.NewReader(data), e.atomic.DefaultOptions()); err != nil {
		return storageErr("checkpoint", fmt.Errorf("write checkpoint: %w", err))
	}

	if err := e.wal.Close(); err != nil {
		return storageErr("checkpoint", fmt.Errorf("close wal: %w", err))
	}

	wal, err := e.fsys.OpenFile(e.walPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return storageErr("checkpoint", fmt.Errorf("reopen wal: %w", err))
	}

	e.wal = wal

	return nil
}

func (e *fileEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wal != nil {
		return e.wal.Close()
	}

	return nil
}

// --- checkpoint / WAL wire format ---
//
// Checkpoint: repeated [u32 keyLen][key][u32 valLen][value], EOF terminated.
// WAL: repeated batches, each [u32 batchLen][batch bytes]; a batch is
// repeated [u8 kind][u32 keyLen][key][u32 valLen][value].

func encodeCheckpoint(snap Snapshot) []byte {
	var buf bytes.Buffer

	it := snap.Iter(KeyRange{}, Forward)
	defer it.Close()

	for it.Next() {
		kv := it.KV()
		writeLenPrefixed(&buf, kv.Key)
		writeLenPrefixed(&buf, kv.Value)
	}

	return buf.Bytes()
}

func loadCheckpoint(e *memEngine, data []byte) error {
	r := bytes.NewReader(data)

	for {
		key, err := readLenPrefixed(r)
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		val, err := readLenPrefixed(r)
		if err != nil {
			return fmt.Errorf("truncated checkpoint value: %w", err)
		}

		e.tree.ReplaceOrInsert(kvItem{key: key, value: val})
	}
}

func encodeWALBatch(ops []Op) []byte {
	var body bytes.Buffer

	for _, op := range ops {
		body.WriteByte(byte(op.Kind))
		writeLenPrefixed(&body, op.Key)
		writeLenPrefixed(&body, op.Value)
	}

	var rec bytes.Buffer

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	rec.Write(lenBuf[:])
	rec.Write(body.Bytes())

	return rec.Bytes()
}

func decodeWAL(data []byte) ([][]Op, error) {
	r := bytes.NewReader(data)

	var batches [][]Op

	for {
		var lenBuf [4]byte

		_, err := io.ReadFull(r, lenBuf[:])
		if err == io.EOF {
			return batches, nil
		}

		if err != nil {
			// A trailing partial record means the process crashed mid
			// append; the spec only requires durability for fsync'd
			// writes, so we stop replay here rather than erroring.
			return batches, nil //nolint:nilerr
		}

		n := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, n)

		if _, err := io.ReadFull(r, body); err != nil {
			return batches, nil //nolint:nilerr
		}

		ops, err := decodeWALBody(body)
		if err != nil {
			return nil, err
		}

		batches = append(batches, ops)
	}
}

func decodeWALBody(body []byte) ([]Op, error) {
	r := bytes.NewReader(body)

	var ops []Op

	for r.Len() > 0 {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		key, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}

		val, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}

		ops = append(ops, Op{Kind: OpKind(kindByte), Key: key, Value: val})
	}

	return ops, nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)

	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	if n == 0 {
		return []byte{}, nil
	}

	return b, nil
}
