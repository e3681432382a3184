package checkpoint

// Iterator streams checkpoint tuples newest-first. It is forward-only and
// consumed once; call List again for a fresh sequence. Close releases any
// backend resources and is safe to call at any point, including mid-stream.
//
// The usual loop:
//
//	it, err := saver.List(ctx, scope, opts)
//	if err != nil {
//		return err
//	}
//	defer it.Close()
//	for it.Next() {
//		tuple := it.Tuple()
//		// ...
//	}
//	if err := it.Err(); err != nil {
//		return err
//	}
type Iterator interface {
	// Next advances to the next tuple, returning false when the sequence is
	// exhausted or a failure occurred.
	Next() bool

	// Tuple returns the tuple produced by the last successful Next.
	Tuple() *CheckpointTuple

	// Err returns the failure that stopped iteration, if any.
	Err() error

	// Close releases backend resources held by the iterator.
	Close() error
}

// sliceIterator serves tuples that were assembled up front.
type sliceIterator struct {
	tuples []*CheckpointTuple
	cur    *CheckpointTuple
}

// NewSliceIterator wraps pre-assembled tuples in an Iterator.
func NewSliceIterator(tuples []*CheckpointTuple) Iterator {
	return &sliceIterator{tuples: tuples}
}

func (it *sliceIterator) Next() bool {
	if len(it.tuples) == 0 {
		it.cur = nil
		return false
	}
	it.cur = it.tuples[0]
	it.tuples = it.tuples[1:]
	return true
}

func (it *sliceIterator) Tuple() *CheckpointTuple { return it.cur }

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Close() error {
	it.tuples = nil
	it.cur = nil
	return nil
}

// Collect drains an iterator into a slice, closing it afterwards.
func Collect(it Iterator) ([]*CheckpointTuple, error) {
	defer it.Close()
	var tuples []*CheckpointTuple
	for it.Next() {
		tuples = append(tuples, it.Tuple())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return tuples, nil
}
