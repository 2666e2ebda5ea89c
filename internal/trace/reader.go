package trace

import (
	"bufio"
	"bytes"
	"fmt"
	"hash"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"time"
)

// SearchOptions filters entries during Search and Count.
type SearchOptions struct {
	// The start and end timestamps to search within.
	Start time.Time
	End   time.Time

	// LimitStart only returns the first N entries after the start timestamp.
	// If both LimitStart and LimitEnd are set then an error is returned.
	LimitStart int64

	// LimitEnd only returns the last N entries before the end timestamp.
	LimitEnd int64

	// Only return entries for the given sources.
	Sources []string
}

// Reader provides indexed access to a finished trace.
type Reader interface {
	// Sources returns all sources present in the trace, sorted.
	Sources() []string

	// TimeRange returns the earliest and latest timestamps in the trace.
	TimeRange() (time.Time, time.Time)

	// Each iterates over all entries in the order they were written.
	Each(fn func(ts time.Time, kind Kind, source string, payload []byte) error) error

	// EachSource iterates over all entries for a given source in the order
	// they were written.
	EachSource(source string, fn func(ts time.Time, kind Kind, payload []byte) error) error

	// Search iterates over the entries matching the criteria in the order
	// they were written.
	Search(opts SearchOptions, fn func(ts time.Time, kind Kind, source string, payload []byte) error) error

	// Count returns the number of entries matching the criteria.
	Count(opts SearchOptions) (int, error)
}

type indexEntry struct {
	Offset   int64
	UnixNano int64
}

type reader struct {
	r io.ReaderAt

	// maps source hash to a list of index entries
	index      map[uint64][]indexEntry
	sourceList map[uint64]string

	earliest int64
	latest   int64

	hash hash.Hash64
}

func (r *reader) hashBytes(s []byte) uint64 {
	r.hash.Reset()
	r.hash.Write(s)
	return r.hash.Sum64()
}

func (r *reader) hashString(s string) uint64 {
	r.hash.Reset()
	r.hash.Write([]byte(s))
	return r.hash.Sum64()
}

func (r *reader) indexAll(src io.ReadSeeker) error {
	var headerBytes [headerSize]byte

	br := bufio.NewReaderSize(src, 1024*1024)

	currentOffset, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("seek to current offset: %w", err)
	}

	var sourceBuffer [64 * 1024]byte

	for {
		if _, err := io.ReadFull(br, headerBytes[:]); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read header: %w", err)
		}
		kind, sourceLength, payloadLength := decodeHeader(headerBytes)
		if kind == KindInvalid || kind > KindMessage {
			return fmt.Errorf("invalid entry kind %d at offset %d", kind, currentOffset)
		}
		ts := decodeTimestamp(headerBytes)
		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if r.latest == 0 || ts > r.latest {
			r.latest = ts
		}

		if int(sourceLength) > len(sourceBuffer) {
			return fmt.Errorf("source length %d exceeds buffer size %d", sourceLength, len(sourceBuffer))
		}
		if _, err := io.ReadFull(br, sourceBuffer[:sourceLength]); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read source: %w", err)
		}

		sourceHash := r.hashBytes(sourceBuffer[:sourceLength])
		if _, ok := r.sourceList[sourceHash]; !ok {
			r.sourceList[sourceHash] = string(sourceBuffer[:sourceLength])
		}

		if _, err := br.Discard(int(payloadLength)); err != nil {
			return fmt.Errorf("discard payload: %w", err)
		}

		r.index[sourceHash] = append(
			r.index[sourceHash],
			indexEntry{Offset: currentOffset, UnixNano: ts},
		)

		currentOffset += headerSize + int64(sourceLength) + int64(payloadLength)
	}

	return nil
}

// Search implements Reader.
func (r *reader) Search(opts SearchOptions, fn func(ts time.Time, kind Kind, source string, payload []byte) error) error {
	if opts.LimitStart > 0 && opts.LimitEnd > 0 {
		return fmt.Errorf("trace: cannot set both LimitStart and LimitEnd")
	}

	type sourceEntry struct {
		source string
		entry  indexEntry
	}
	var entries []sourceEntry

	sourceFilter := make(map[uint64]struct{})
	for _, s := range opts.Sources {
		sourceFilter[r.hashString(s)] = struct{}{}
	}

	for source, idxEntries := range r.index {
		if len(sourceFilter) > 0 {
			if _, ok := sourceFilter[source]; !ok {
				continue
			}
		}

		for _, ie := range idxEntries {
			ts := time.Unix(0, ie.UnixNano)
			if !opts.Start.IsZero() && ts.Before(opts.Start) {
				continue
			}
			if !opts.End.IsZero() && ts.After(opts.End) {
				continue
			}
			entries = append(entries, sourceEntry{source: r.sourceList[source], entry: ie})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].entry.UnixNano != entries[j].entry.UnixNano {
			return entries[i].entry.UnixNano < entries[j].entry.UnixNano
		}
		return entries[i].entry.Offset < entries[j].entry.Offset
	})

	if opts.LimitStart > 0 && int64(len(entries)) > opts.LimitStart {
		entries = entries[:opts.LimitStart]
	}
	if opts.LimitEnd > 0 && int64(len(entries)) > opts.LimitEnd {
		entries = entries[len(entries)-int(opts.LimitEnd):]
	}

	for _, e := range entries {
		var headerBytes [headerSize]byte
		if _, err := r.r.ReadAt(headerBytes[:], e.entry.Offset); err != nil {
			return err
		}

		kind, sourceLength, payloadLength := decodeHeader(headerBytes)
		if kind == KindInvalid {
			return fmt.Errorf("trace: invalid header at offset %d", e.entry.Offset)
		}

		payload := make([]byte, payloadLength)
		if _, err := r.r.ReadAt(payload, e.entry.Offset+headerSize+int64(sourceLength)); err != nil {
			return err
		}
		if err := fn(time.Unix(0, e.entry.UnixNano), kind, e.source, payload); err != nil {
			return err
		}
	}
	return nil
}

// Count implements Reader.
func (r *reader) Count(opts SearchOptions) (int, error) {
	if opts.LimitStart > 0 && opts.LimitEnd > 0 {
		return 0, fmt.Errorf("trace: cannot set both LimitStart and LimitEnd")
	}

	sourceFilter := make(map[uint64]struct{})
	for _, s := range opts.Sources {
		sourceFilter[r.hashString(s)] = struct{}{}
	}

	count := 0
	for source, idxEntries := range r.index {
		if len(sourceFilter) > 0 {
			if _, ok := sourceFilter[source]; !ok {
				continue
			}
		}

		for _, ie := range idxEntries {
			if !opts.Start.IsZero() && time.Unix(0, ie.UnixNano).Before(opts.Start) {
				continue
			}
			if !opts.End.IsZero() && time.Unix(0, ie.UnixNano).After(opts.End) {
				continue
			}
			count++
		}
	}

	if opts.LimitStart > 0 && int64(count) > opts.LimitStart {
		count = int(opts.LimitStart)
	}
	if opts.LimitEnd > 0 && int64(count) > opts.LimitEnd {
		count = int(opts.LimitEnd)
	}

	return count, nil
}

// Each implements Reader.
func (r *reader) Each(fn func(ts time.Time, kind Kind, source string, payload []byte) error) error {
	return r.Search(SearchOptions{}, fn)
}

// EachSource implements Reader.
func (r *reader) EachSource(source string, fn func(ts time.Time, kind Kind, payload []byte) error) error {
	return r.Search(SearchOptions{Sources: []string{source}}, func(ts time.Time, kind Kind, _ string, payload []byte) error {
		return fn(ts, kind, payload)
	})
}

func (r *reader) Sources() []string {
	sources := make([]string, 0, len(r.sourceList))
	for _, source := range r.sourceList {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources
}

func (r *reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

// NewReader indexes a trace and returns a Reader over it. The two
// arguments may be backed by the same file.
func NewReader(r io.ReaderAt, indexReader io.ReadSeeker) (Reader, error) {
	ret := &reader{
		r:          r,
		index:      make(map[uint64][]indexEntry),
		sourceList: make(map[uint64]string),
		hash:       fnv.New64a(),
	}

	if err := ret.indexAll(indexReader); err != nil {
		return nil, fmt.Errorf("trace: index: %w", err)
	}

	return ret, nil
}

// NewReaderBytes indexes an in-memory trace, e.g. a Buffer's assembled
// bytes.
func NewReaderBytes(data []byte) (Reader, error) {
	return NewReader(bytes.NewReader(data), bytes.NewReader(data))
}

// NewReaderFromFile opens and indexes a trace file. The returned closer
// owns the underlying file handle.
func NewReaderFromFile(filename string) (Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: open %s: %w", filename, err)
	}
	r, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}
