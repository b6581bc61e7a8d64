package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"sort"

	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

// postings.dkri layout, little endian:
//
//	header     64 bytes
//	docLens    docCount × uint32
//	dict       termCount × {termOff, termLen, postOff, docFreq uint32}, sorted by term
//	terms      concatenated term bytes
//	postings   {doc, tf uint32} pairs grouped by term, doc ascending
const (
	segmentMagic   uint32 = 0x444B5249 // "DKRI"
	segmentVersion uint32 = 1
	headerSize            = 64
	dictEntrySize         = 16
	postingSize           = 8
)

type segmentHeader struct {
	DocCount    uint32
	TermCount   uint32
	TermBytes   uint32
	Checksum    uint32
	AvgDocLen   float64
	K1          float64
	B           float64
	TotalTokens uint64
}

type termPostings struct {
	term     string
	postings []posting
}

type posting struct {
	doc uint32
	tf  uint32
}

// encodeSegment serialises the inverted index. entries must be sorted by
// term and each posting list by doc.
func encodeSegment(h segmentHeader, docLens []uint32, entries []termPostings) []byte {
	var termBytes, postingCount int
	for _, e := range entries {
		termBytes += len(e.term)
		postingCount += len(e.postings)
	}
	h.DocCount = uint32(len(docLens))
	h.TermCount = uint32(len(entries))
	h.TermBytes = uint32(termBytes)

	size := headerSize + 4*len(docLens) + dictEntrySize*len(entries) + termBytes + postingSize*postingCount
	buf := make([]byte, size)
	le := binary.LittleEndian

	off := headerSize
	for _, dl := range docLens {
		le.PutUint32(buf[off:], dl)
		off += 4
	}
	dictOff := off
	termsOff := dictOff + dictEntrySize*len(entries)
	postOff := termsOff + termBytes

	termCursor, postCursor := 0, 0
	for i, e := range entries {
		d := dictOff + i*dictEntrySize
		le.PutUint32(buf[d:], uint32(termCursor))
		le.PutUint32(buf[d+4:], uint32(len(e.term)))
		le.PutUint32(buf[d+8:], uint32(postCursor))
		le.PutUint32(buf[d+12:], uint32(len(e.postings)))
		copy(buf[termsOff+termCursor:], e.term)
		termCursor += len(e.term)
		for _, p := range e.postings {
			o := postOff + postCursor*postingSize
			le.PutUint32(buf[o:], p.doc)
			le.PutUint32(buf[o+4:], p.tf)
			postCursor++
		}
	}

	h.Checksum = crc32.ChecksumIEEE(buf[headerSize:])
	le.PutUint32(buf[0:4], segmentMagic)
	le.PutUint32(buf[4:8], segmentVersion)
	le.PutUint32(buf[8:12], h.DocCount)
	le.PutUint32(buf[12:16], h.TermCount)
	le.PutUint32(buf[16:20], h.TermBytes)
	le.PutUint32(buf[20:24], h.Checksum)
	le.PutUint64(buf[24:32], math.Float64bits(h.AvgDocLen))
	le.PutUint64(buf[32:40], math.Float64bits(h.K1))
	le.PutUint64(buf[40:48], math.Float64bits(h.B))
	le.PutUint64(buf[48:56], h.TotalTokens)
	return buf
}

// segment reads postings directly out of data, which may be a heap buffer
// or a read-only memory map. It never copies term or posting bytes.
type segment struct {
	data     []byte
	header   segmentHeader
	dictOff  int
	termsOff int
	postOff  int
	postings int
}

func openSegment(data []byte, verifyChecksum bool) (*segment, error) {
	if len(data) < headerSize {
		return nil, apperrors.Newf(apperrors.ErrIndexCorrupt, "postings file is %d bytes, shorter than header", len(data))
	}
	le := binary.LittleEndian
	if magic := le.Uint32(data[0:4]); magic != segmentMagic {
		return nil, apperrors.Newf(apperrors.ErrIndexCorrupt, "bad magic %#x", magic)
	}
	if v := le.Uint32(data[4:8]); v != segmentVersion {
		return nil, apperrors.Newf(apperrors.ErrIndexCorrupt, "unsupported postings version %d", v)
	}
	h := segmentHeader{
		DocCount:    le.Uint32(data[8:12]),
		TermCount:   le.Uint32(data[12:16]),
		TermBytes:   le.Uint32(data[16:20]),
		Checksum:    le.Uint32(data[20:24]),
		AvgDocLen:   math.Float64frombits(le.Uint64(data[24:32])),
		K1:          math.Float64frombits(le.Uint64(data[32:40])),
		B:           math.Float64frombits(le.Uint64(data[40:48])),
		TotalTokens: le.Uint64(data[48:56]),
	}
	s := &segment{data: data, header: h}
	s.dictOff = headerSize + 4*int(h.DocCount)
	s.termsOff = s.dictOff + dictEntrySize*int(h.TermCount)
	s.postOff = s.termsOff + int(h.TermBytes)
	if s.postOff > len(data) || (len(data)-s.postOff)%postingSize != 0 {
		return nil, apperrors.Newf(apperrors.ErrIndexCorrupt, "postings file size %d does not match header", len(data))
	}
	s.postings = (len(data) - s.postOff) / postingSize
	if verifyChecksum {
		if sum := crc32.ChecksumIEEE(data[headerSize:]); sum != h.Checksum {
			return nil, apperrors.Newf(apperrors.ErrIndexCorrupt, "checksum mismatch: %#x != %#x", sum, h.Checksum)
		}
	}
	if err := s.validateDict(); err != nil {
		return nil, err
	}
	return s, nil
}

// validateDict bounds-checks every dictionary entry once, so lookups can
// slice terms and postings without further checks.
func (s *segment) validateDict() error {
	le := binary.LittleEndian
	termBytes := uint64(s.header.TermBytes)
	for i := 0; i < int(s.header.TermCount); i++ {
		d := s.dictOff + i*dictEntrySize
		off := uint64(le.Uint32(s.data[d:]))
		n := uint64(le.Uint32(s.data[d+4:]))
		start := uint64(le.Uint32(s.data[d+8:]))
		df := uint64(le.Uint32(s.data[d+12:]))
		if off+n > termBytes {
			return apperrors.Newf(apperrors.ErrIndexCorrupt, "dictionary entry %d: term bytes [%d,%d) outside %d", i, off, off+n, termBytes)
		}
		if start+df > uint64(s.postings) {
			return apperrors.Newf(apperrors.ErrIndexCorrupt, "dictionary entry %d: postings [%d,%d) outside %d", i, start, start+df, s.postings)
		}
	}
	return nil
}

func (s *segment) docLen(doc uint32) uint32 {
	return binary.LittleEndian.Uint32(s.data[headerSize+4*int(doc):])
}

func (s *segment) termAt(i int) []byte {
	d := s.dictOff + i*dictEntrySize
	off := int(binary.LittleEndian.Uint32(s.data[d:]))
	n := int(binary.LittleEndian.Uint32(s.data[d+4:]))
	return s.data[s.termsOff+off : s.termsOff+off+n]
}

// lookup binary-searches the dictionary and returns the term's postings as
// a view into data.
func (s *segment) lookup(term string) (postingView, bool, error) {
	key := []byte(term)
	n := int(s.header.TermCount)
	i := sort.Search(n, func(i int) bool {
		return bytes.Compare(s.termAt(i), key) >= 0
	})
	if i >= n || !bytes.Equal(s.termAt(i), key) {
		return postingView{}, false, nil
	}
	d := s.dictOff + i*dictEntrySize
	start := int(binary.LittleEndian.Uint32(s.data[d+8:]))
	df := int(binary.LittleEndian.Uint32(s.data[d+12:]))
	if start+df > s.postings {
		return postingView{}, false, apperrors.Newf(apperrors.ErrIndexCorrupt, "postings for %q overrun file", term)
	}
	from := s.postOff + start*postingSize
	return postingView{raw: s.data[from : from+df*postingSize]}, true, nil
}

type postingView struct {
	raw []byte
}

func (v postingView) len() int { return len(v.raw) / postingSize }

func (v postingView) at(i int) (doc, tf uint32) {
	o := i * postingSize
	return binary.LittleEndian.Uint32(v.raw[o:]), binary.LittleEndian.Uint32(v.raw[o+4:])
}

// writeFileAtomic writes data to path via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
