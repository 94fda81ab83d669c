package metadata

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"rapidrec/internal/amf0"
	"rapidrec/internal/flv"
)

// ErrFinalizeFailed is returned when a placeholder was found but could not be rewritten
var ErrFinalizeFailed = errors.New("metadata: finalize failed")

// maxScanTags bounds the search for the placeholder at the start of the file
const maxScanTags = 16

type placeholder struct {
	offset int64 // of the tag body
	size   int
	props  amf0.ECMAArray
}

// Finalize rewrites the placeholder onMetaData tag of a closed segment with
// the final duration, sizes and keyframe index. The tag keeps its length so
// no other byte of the file moves.
//
// It returns false without error when there is nothing to do: the file is
// missing or too short, has no placeholder, or was already finalized.
func Finalize(path string, info *Info) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(ErrFinalizeFailed, "open %s: %v", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return false, errors.Wrapf(ErrFinalizeFailed, "stat %s: %v", path, err)
	}

	ph, err := findPlaceholder(f, st.Size())
	if err != nil || ph == nil {
		return false, err
	}

	if v, ok := ph.props.Get(keyFinalized); ok {
		if done, _ := amf0.AsBool(v); done {
			return false, nil
		}
	}

	final := info.Clone()
	final.FileSize = st.Size()

	body, err := rewrite(ph, final)
	if err != nil {
		return false, err
	}

	if _, err := f.WriteAt(body, ph.offset); err != nil {
		return false, errors.Wrapf(ErrFinalizeFailed, "write %s: %v", path, err)
	}
	if err := f.Sync(); err != nil {
		return false, errors.Wrapf(ErrFinalizeFailed, "sync %s: %v", path, err)
	}
	return true, nil
}

// findPlaceholder walks the first tags of f looking for an onMetaData tag
// carrying a spacer. Short or foreign files yield (nil, nil).
func findPlaceholder(f io.ReaderAt, size int64) (*placeholder, error) {
	offset := int64(flv.HeaderSize + flv.PreviousTagSizeLength)
	if size < offset {
		return nil, nil
	}

	hdr := make([]byte, flv.HeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, errors.Wrapf(ErrFinalizeFailed, "read header: %v", err)
	}
	if _, err := flv.ParseHeader(hdr); err != nil {
		return nil, nil
	}

	th := make([]byte, flv.TagHeaderSize)
	for i := 0; i < maxScanTags; i++ {
		if offset+flv.TagHeaderSize > size {
			return nil, nil
		}
		if _, err := f.ReadAt(th, offset); err != nil {
			return nil, errors.Wrapf(ErrFinalizeFailed, "read tag header at %d: %v", offset, err)
		}
		header, err := flv.ParseTagHeader(th)
		if err != nil {
			return nil, nil
		}

		bodyOffset := offset + flv.TagHeaderSize
		next := bodyOffset + int64(header.DataSize) + flv.PreviousTagSizeLength
		if header.Type == flv.TagTypeScript && bodyOffset+int64(header.DataSize) <= size {
			body := make([]byte, header.DataSize)
			if _, err := f.ReadAt(body, bodyOffset); err != nil {
				return nil, errors.Wrapf(ErrFinalizeFailed, "read script tag at %d: %v", offset, err)
			}
			if props, ok := placeholderProps(body); ok {
				return &placeholder{offset: bodyOffset, size: len(body), props: props}, nil
			}
		}
		offset = next
	}
	return nil, nil
}

func placeholderProps(body []byte) (amf0.ECMAArray, bool) {
	values, err := amf0.DecodeAll(body)
	if err != nil || len(values) != 2 {
		return nil, false
	}
	if name, _ := amf0.AsString(values[0]); name != "onMetaData" {
		return nil, false
	}
	props, ok := values[1].(amf0.ECMAArray)
	if !ok {
		return nil, false
	}
	if _, ok := props.Get(keySpacer); !ok {
		return nil, false
	}
	return props, true
}

// capacity is the number of keyframe slots reserved in the placeholder
func capacity(props amf0.ECMAArray) int {
	v, ok := props.Get(keyKeyframes)
	if !ok {
		return 0
	}
	obj, ok := v.(amf0.Object)
	if !ok {
		return 0
	}
	times, ok := obj.Get(keyTimes)
	if !ok {
		return 0
	}
	arr, _ := times.(amf0.StrictArray)
	return len(arr)
}

// rewrite renders the final body, exactly ph.size bytes long
func rewrite(ph *placeholder, info *Info) ([]byte, error) {
	slots := capacity(ph.props)
	kfs := decimate(info.Keyframes, slots)

	values := make(map[string]amf0.Value)
	for _, p := range managedProperties(info) {
		values[p.Key] = p.Value
	}
	values[keyFinalized] = amf0.Boolean(true)
	values[keyKeyframes] = keyframeTable(kfs)

	props := make(amf0.ECMAArray, len(ph.props))
	for i, p := range ph.props {
		props[i] = p
		v, ok := values[p.Key]
		if !ok || p.Key == keySpacer {
			continue
		}
		if v.Marker() != p.Value.Marker() {
			return nil, errors.Wrapf(ErrFinalizeFailed, "placeholder key %q has type %#x, want %#x", p.Key, p.Value.Marker(), v.Marker())
		}
		props[i].Value = v
	}

	props = props.Set(keySpacer, amf0.String(""))
	name := amf0.String("onMetaData")
	size := amf0.Size(name) + amf0.Size(props)

	spacer, ok := spacerFor(ph.size - size)
	if !ok {
		return nil, errors.Wrapf(ErrFinalizeFailed, "metadata needs %d bytes, placeholder has %d", size, ph.size)
	}
	props = props.Set(keySpacer, spacer)

	body := amf0.EncodeAll([]amf0.Value{name, props})
	if len(body) != ph.size {
		return nil, errors.Wrapf(ErrFinalizeFailed, "rewritten metadata is %d bytes, placeholder has %d", len(body), ph.size)
	}
	return body, nil
}

// ReadMetadata returns the onMetaData properties of the file at path. It is
// used to inspect finalized segments.
func ReadMetadata(path string) (amf0.ECMAArray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	ph, err := findPlaceholder(f, st.Size())
	if err != nil {
		return nil, err
	}
	if ph == nil {
		return nil, fmt.Errorf("%s: no onMetaData tag", path)
	}
	return ph.props, nil
}
