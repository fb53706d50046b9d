package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
)

var (
	bucketMeta      = []byte("meta")
	bucketCoords    = []byte("coords")
	bucketPositions = []byte("positions")
	bucketChunks    = []byte("chunks")

	keyVariable    = []byte("variable")
	keyEntityDim   = []byte("entity_dim")
	keyTimeDim     = []byte("time_dim")
	keyTimeStart   = []byte("time_start")
	keyTimeStep    = []byte("time_step")
	keyTimeLen     = []byte("time_len")
	keyEntityChunk = []byte("entity_chunk")
	keyTimeChunk   = []byte("time_chunk")
	keyCreatedAt   = []byte("created_at")
	keyUpdatedAt   = []byte("updated_at")
)

// ArrayStore holds variable[entity_dim, time_dim] in a bbolt file. The entity
// axis is the coords bucket; values live in chunks of EntityChunk entities by
// TimeChunk steps, keyed "<entity chunk>.<time chunk>". A chunk block holds
// only the rows filled so far, so appending never rewrites stored rows of
// other chunks.
type ArrayStore struct {
	mu   sync.Mutex
	path string
	opts Options
	db   *bolt.DB
}

// OpenArray opens the array store at path. Like Open, it does not create the
// file until the first flush.
func OpenArray(path string, opts Options) (*ArrayStore, error) {
	return openArray(path, opts.withDefaults())
}

func openArray(path string, opts Options) (*ArrayStore, error) {
	s := &ArrayStore{path: path, opts: opts}
	ok, err := exists(path)
	if err != nil {
		return nil, fmt.Errorf("stat array store: %w", err)
	}
	if !ok {
		return s, nil
	}
	if opts.ReadOnly {
		err = s.openReadOnly()
	} else {
		err = s.open()
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// openReadOnly takes a shared lock, so it blocks only while a writer has the
// file open. A file whose buckets were never created reads as empty.
func (s *ArrayStore) openReadOnly() error {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return fmt.Errorf("open array store %s: %w", s.path, ErrBusy)
		}
		return fmt.Errorf("open array store %s: %w", s.path, err)
	}
	initialized := false
	_ = db.View(func(tx *bolt.Tx) error {
		initialized = tx.Bucket(bucketMeta) != nil
		return nil
	})
	if !initialized {
		return db.Close()
	}
	s.db = db
	return nil
}

func (s *ArrayStore) open() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(s.path), err)
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return fmt.Errorf("open array store %s: %w", s.path, ErrBusy)
		}
		return fmt.Errorf("open array store %s: %w", s.path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketCoords, bucketPositions, bucketChunks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return fmt.Errorf("init array store: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the underlying database.
func (s *ArrayStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// NotDone implements Store.
func (s *ArrayStore) NotDone(_ context.Context, all []domain.EntityID) ([]domain.EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return append([]domain.EntityID{}, all...), nil
	}

	done := make(map[domain.EntityID]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPositions)
		for _, id := range all {
			if b.Get([]byte(id)) != nil {
				done[id] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read entity axis: %w", err)
	}
	return remaining(all, done), nil
}

// Entities implements Store.
func (s *ArrayStore) Entities(_ context.Context) ([]domain.EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []domain.EntityID{}
	if s.db == nil {
		return ids, nil
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCoords).ForEach(func(_, v []byte) error {
			ids = append(ids, domain.EntityID(v))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read entity axis: %w", err)
	}
	return ids, nil
}

// layout is the array shape recorded in the meta bucket at creation.
type layout struct {
	index       domain.TimeIndex
	entityChunk int
	timeChunk   int
}

func (l layout) timeChunks() int {
	return (l.index.Len + l.timeChunk - 1) / l.timeChunk
}

// width returns the number of time steps in time chunk tc.
func (l layout) width(tc int) int {
	return min(l.timeChunk, l.index.Len-tc*l.timeChunk)
}

// Flush implements Store. The whole append runs in one bbolt transaction.
func (s *ArrayStore) Flush(_ context.Context, series []domain.NormalizedSeries) error {
	if len(series) == 0 {
		return nil
	}
	index, err := checkBatch(series)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.ReadOnly {
		return fmt.Errorf("flush array store %s: %w", s.path, ErrReadOnly)
	}
	if s.db == nil {
		if err := s.open(); err != nil {
			return err
		}
		s.opts.Logger.Info("array store created", "path", s.path, "time_index", index.String())
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		lay, ok, err := readLayout(meta)
		if err != nil {
			return err
		}
		if !ok {
			lay = layout{index: index, entityChunk: s.opts.EntityChunk, timeChunk: s.opts.TimeChunk}
			if lay.timeChunk <= 0 || lay.timeChunk > index.Len {
				lay.timeChunk = max(index.Len, 1)
			}
			if err := s.writeLayout(meta, lay); err != nil {
				return err
			}
		}
		if !lay.index.Equal(index) {
			return fmt.Errorf("%w: flush index %s, stored index %s", domain.ErrSchemaMismatch, index, lay.index)
		}

		coords := tx.Bucket(bucketCoords)
		positions := tx.Bucket(bucketPositions)
		for _, sr := range series {
			if positions.Get([]byte(sr.Entity)) != nil {
				return fmt.Errorf("%w: entity %s already stored", domain.ErrSchemaMismatch, sr.Entity)
			}
		}

		next := nextPos(coords)
		rowsByChunk := make(map[int][]domain.NormalizedSeries)
		var chunkOrder []int
		for i, sr := range series {
			pos := next + i
			key := posKey(pos)
			if err := coords.Put(key, []byte(sr.Entity)); err != nil {
				return err
			}
			if err := positions.Put([]byte(sr.Entity), key); err != nil {
				return err
			}
			ec := pos / lay.entityChunk
			if _, seen := rowsByChunk[ec]; !seen {
				chunkOrder = append(chunkOrder, ec)
			}
			rowsByChunk[ec] = append(rowsByChunk[ec], sr)
		}

		chunks := tx.Bucket(bucketChunks)
		for _, ec := range chunkOrder {
			if err := appendRows(chunks, lay, ec, rowsByChunk[ec]); err != nil {
				return err
			}
		}
		return meta.Put(keyUpdatedAt, []byte(domain.Now().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return fmt.Errorf("flush array store: %w", err)
	}
	return nil
}

// appendRows adds rows to every time chunk of entity chunk ec.
func appendRows(chunks *bolt.Bucket, lay layout, ec int, rows []domain.NormalizedSeries) error {
	for tc := range lay.timeChunks() {
		key := chunkKey(ec, tc)
		var block []float64
		if existing := chunks.Get(key); existing != nil {
			var err error
			if block, err = decodeBlock(existing); err != nil {
				return fmt.Errorf("chunk %s: %w", key, err)
			}
		}
		lo := tc * lay.timeChunk
		hi := lo + lay.width(tc)
		for _, r := range rows {
			block = append(block, r.Values[lo:hi]...)
		}
		if err := chunks.Put(key, encodeBlock(block)); err != nil {
			return err
		}
	}
	return nil
}

// Index returns the stored time index, or false if nothing has been flushed.
func (s *ArrayStore) Index() (domain.TimeIndex, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return domain.TimeIndex{}, false, nil
	}
	var (
		lay layout
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		lay, ok, err = readLayout(tx.Bucket(bucketMeta))
		return err
	})
	return lay.index, ok, err
}

// Series reads one stored entity back, or false if it is not stored.
func (s *ArrayStore) Series(id domain.EntityID) (domain.NormalizedSeries, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return domain.NormalizedSeries{}, false, nil
	}

	var (
		out   domain.NormalizedSeries
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketPositions).Get([]byte(id))
		if key == nil {
			return nil
		}
		lay, _, err := readLayout(tx.Bucket(bucketMeta))
		if err != nil {
			return err
		}
		pos := int(binary.BigEndian.Uint64(key))
		ec, row := pos/lay.entityChunk, pos%lay.entityChunk

		values := make([]float64, 0, lay.index.Len)
		chunks := tx.Bucket(bucketChunks)
		for tc := range lay.timeChunks() {
			ck := chunkKey(ec, tc)
			block, err := decodeBlock(chunks.Get(ck))
			if err != nil {
				return fmt.Errorf("chunk %s: %w", ck, err)
			}
			w := lay.width(tc)
			if (row+1)*w > len(block) {
				return fmt.Errorf("chunk %s has %d values, need row %d of width %d", ck, len(block), row, w)
			}
			values = append(values, block[row*w:(row+1)*w]...)
		}
		out = domain.NormalizedSeries{Entity: id, Index: lay.index, Values: values}
		found = true
		return nil
	})
	if err != nil {
		return domain.NormalizedSeries{}, false, fmt.Errorf("read series %s: %w", id, err)
	}
	return out, found, nil
}

// Verify checks that the entity axis has no duplicates, that the two entity
// buckets agree, and that every chunk holds exactly the rows its entity
// chunk has filled.
func (s *ArrayStore) Verify(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.View(func(tx *bolt.Tx) error {
		lay, ok, err := readLayout(tx.Bucket(bucketMeta))
		if err != nil {
			return err
		}
		coords := tx.Bucket(bucketCoords)
		positions := tx.Bucket(bucketPositions)
		n := keyCount(coords)
		if !ok {
			if n != 0 {
				return fmt.Errorf("%d entities stored without an array layout", n)
			}
			return nil
		}
		if m := keyCount(positions); m != n {
			return fmt.Errorf("%w: %d coordinates but %d distinct entities", domain.ErrSchemaMismatch, n, m)
		}
		for pos := range n {
			id := coords.Get(posKey(pos))
			if id == nil {
				return fmt.Errorf("coordinate %d missing", pos)
			}
			back := positions.Get(id)
			if back == nil || int(binary.BigEndian.Uint64(back)) != pos {
				return fmt.Errorf("%w: entity %s is not at coordinate %d", domain.ErrSchemaMismatch, id, pos)
			}
		}

		chunks := tx.Bucket(bucketChunks)
		entityChunks := (n + lay.entityChunk - 1) / lay.entityChunk
		for ec := range entityChunks {
			rows := min(lay.entityChunk, n-ec*lay.entityChunk)
			for tc := range lay.timeChunks() {
				ck := chunkKey(ec, tc)
				block, err := decodeBlock(chunks.Get(ck))
				if err != nil {
					return fmt.Errorf("chunk %s: %w", ck, err)
				}
				if want := rows * lay.width(tc); len(block) != want {
					return fmt.Errorf("chunk %s has %d values, want %d", ck, len(block), want)
				}
			}
		}
		return nil
	})
}

func (s *ArrayStore) writeLayout(meta *bolt.Bucket, lay layout) error {
	now := []byte(domain.Now().Format(time.RFC3339Nano))
	pairs := []struct {
		k []byte
		v string
	}{
		{keyVariable, s.opts.Variable},
		{keyEntityDim, s.opts.EntityDim},
		{keyTimeDim, s.opts.TimeDim},
		{keyTimeStart, lay.index.Start.Format(time.RFC3339)},
		{keyTimeStep, lay.index.Step.String()},
		{keyTimeLen, strconv.Itoa(lay.index.Len)},
		{keyEntityChunk, strconv.Itoa(lay.entityChunk)},
		{keyTimeChunk, strconv.Itoa(lay.timeChunk)},
	}
	for _, p := range pairs {
		if err := meta.Put(p.k, []byte(p.v)); err != nil {
			return err
		}
	}
	return meta.Put(keyCreatedAt, now)
}

func readLayout(meta *bolt.Bucket) (layout, bool, error) {
	if meta.Get(keyTimeLen) == nil {
		return layout{}, false, nil
	}
	var (
		lay  layout
		errs []error
	)
	start, err := time.Parse(time.RFC3339, string(meta.Get(keyTimeStart)))
	errs = append(errs, err)
	step, err := time.ParseDuration(string(meta.Get(keyTimeStep)))
	errs = append(errs, err)
	lay.index = domain.TimeIndex{Start: start.UTC(), Step: step}
	lay.index.Len, err = strconv.Atoi(string(meta.Get(keyTimeLen)))
	errs = append(errs, err)
	lay.entityChunk, err = strconv.Atoi(string(meta.Get(keyEntityChunk)))
	errs = append(errs, err)
	lay.timeChunk, err = strconv.Atoi(string(meta.Get(keyTimeChunk)))
	errs = append(errs, err)
	for _, err := range errs {
		if err != nil {
			return layout{}, false, fmt.Errorf("corrupt array metadata: %w", err)
		}
	}
	if lay.entityChunk <= 0 || lay.timeChunk <= 0 {
		return layout{}, false, fmt.Errorf("corrupt array metadata: chunk shape %dx%d", lay.entityChunk, lay.timeChunk)
	}
	return lay, true, nil
}

// nextPos returns the coordinate after the last stored one.
func nextPos(coords *bolt.Bucket) int {
	k, _ := coords.Cursor().Last()
	if k == nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(k)) + 1
}

func keyCount(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func posKey(pos int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(pos))
	return k
}

func chunkKey(ec, tc int) []byte {
	return []byte(strconv.Itoa(ec) + "." + strconv.Itoa(tc))
}
