// Package extractor implements the namespace-aware streaming XML
// extraction stage: it turns one ICH E2B(R3) batch document into a lazy
// sequence of model.Item values without ever holding the whole document
// in memory.
//
// The parser is built directly on encoding/xml.Decoder.Token(), which is
// a deliberate standard-library choice: streaming, namespace-aware pull
// parsing is a core capability of encoding/xml and no library in the
// example pack materially improves on it for the constant-memory
// requirement.
package extractor

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/gowthamrao/py-load-eudravigilance/internal/model"
)

// Namespace is the E2B(R3) HL7 v3 namespace, shared with HL7 CDA
// documents (cf. the CDANamespace constant in the CCDA generator this
// package borrows its streaming-token idiom from).
const Namespace = "urn:hl7-org:v3"

// recordWrapperLocal is the local name that distinguishes one ICSR from
// the outer batch document. Matching is namespace-qualified: a
// same-named element in a foreign namespace is not mistaken for it.
const recordWrapperLocal = "safetyreport"

// Mode selects the shape the extractor yields: Normalized flattens each
// ICSR into model.Record; Audit preserves the whole subtree as a
// model.AuditRecord.
type Mode int

const (
	Normalized Mode = iota
	Audit
)

// frame is the push-down state machine's unit of work: one XML element
// under construction. StartElement pushes a frame, EndElement pops it
// and merges the result into the parent's children, CharData appends to
// the top frame's text accumulator. No frame outlives its element.
type frame struct {
	name     string
	attrs    map[string]string
	text     strings.Builder
	children map[string][]*model.AuditNode
}

func newFrame(name xml.Name, raw []xml.Attr) *frame {
	f := &frame{name: name.Local}
	if len(raw) > 0 {
		f.attrs = make(map[string]string, len(raw))
		for _, a := range raw {
			f.attrs[a.Name.Local] = a.Value
		}
	}
	return f
}

func (f *frame) addChild(name string, node *model.AuditNode) {
	if f.children == nil {
		f.children = make(map[string][]*model.AuditNode)
	}
	f.children[name] = append(f.children[name], node)
}

// node collapses the frame into an AuditNode: a leaf (Text set) if it
// had no child elements, otherwise a Children map where a repeated
// local name collapses into one entry whose Repeated slice holds every
// occurrence in document order.
func (f *frame) node() *model.AuditNode {
	n := &model.AuditNode{Attrs: f.attrs}
	if len(f.children) == 0 {
		n.Text = strings.TrimSpace(f.text.String())
		return n
	}
	n.Children = make(map[string]*model.AuditNode, len(f.children))
	for name, kids := range f.children {
		if len(kids) == 1 {
			n.Children[name] = kids[0]
		} else {
			n.Children[name] = &model.AuditNode{Repeated: kids}
		}
	}
	return n
}

func isRecordWrapper(name xml.Name) bool {
	return name.Space == Namespace && name.Local == recordWrapperLocal
}

// nextRecordMarker locates the next top-level safetyreport start tag in
// raw, not-yet-decoded bytes, optionally namespace-prefixed. It is used
// only to resynchronize after a malformed record; well-formed documents
// never need it.
var nextRecordMarker = regexp.MustCompile(`<(?:[\w.-]+:)?` + recordWrapperLocal + `\b`)

// namespaceWrapper re-establishes the default HL7 v3 namespace scope for
// a resumed fragment: feeding raw mid-document bytes to a brand-new
// decoder loses the batch root element's xmlns declaration, which would
// otherwise make isRecordWrapper's namespace-qualified check fail for
// every record after a resync. The wrapper is never closed; the frame
// state machine only tracks elements once inside a record, so an
// unbalanced synthetic start tag is harmless.
var namespaceWrapper = []byte(`<ichicsrMessage xmlns="` + Namespace + `">`)

// teeReader records every byte actually read from r, so that after a
// decode error the consumed-and-buffered bytes can be re-scanned for
// the start of the next record.
type teeReader struct {
	r   io.Reader
	buf bytes.Buffer
}

func newTeeReader(r io.Reader) *teeReader {
	return &teeReader{r: r}
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.buf.Write(p[:n])
	}
	return n, err
}

// Extract consumes r and returns a channel of items plus a function that
// reports the terminal, batch-level error (nil if there was none). The
// terminal function must only be called after the items channel has
// been drained and closed; the two are synchronized by the channel
// close itself, so no additional locking is needed.
//
// A decode error encountered while no ICSR is open is XmlNotWellFormed
// and terminal for the whole file. A decode error encountered inside an
// open ICSR is reported as that one record's RecordError, and
// extraction resumes with the next record: encoding/xml.Decoder caches
// its first error permanently, so resuming means discarding the broken
// decoder, locating the next record's start tag in the raw bytes
// already read (or still unread) past the failure, and decoding the
// remainder with a fresh decoder wrapped in a synthetic namespace
// declaration. One malformed record therefore costs exactly that
// record; every other record in the batch still loads.
func Extract(ctx context.Context, r io.Reader, mode Mode) (<-chan model.Item, func() error) {
	items := make(chan model.Item)
	var terminal error

	go func() {
		defer close(items)

		var ordinal int
		cur := r

		for {
			tee := newTeeReader(cur)
			dec := xml.NewDecoder(tee)

			resync, err := decodeRecords(ctx, dec, items, &ordinal, mode)
			if !resync {
				terminal = err
				return
			}

			if _, drainErr := io.Copy(io.Discard, tee); drainErr != nil {
				terminal = model.NewError(model.KindXMLNotWellFormed, "extractor.Extract", drainErr)
				return
			}

			buffered := tee.buf.Bytes()
			offset := int(dec.InputOffset())
			if offset > len(buffered) {
				offset = len(buffered)
			}
			loc := nextRecordMarker.FindIndex(buffered[offset:])
			if loc == nil {
				return
			}
			markerPos := offset + loc[0]

			cur = io.MultiReader(
				bytes.NewReader(namespaceWrapper),
				bytes.NewReader(buffered[markerPos:]),
			)
		}
	}()

	return items, func() error { return terminal }
}

// decodeRecords runs the push-down state machine over dec until EOF, a
// context cancellation, a batch-level decode error, or a decode error
// inside an open record. The first three are terminal (resync false);
// the last reports the broken record and asks the caller to resync
// (resync true), since dec itself can never be used again.
func decodeRecords(ctx context.Context, dec *xml.Decoder, items chan<- model.Item, ordinal *int, mode Mode) (resync bool, terminal error) {
	var stack []*frame
	inRecord := false

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		tok, err := dec.Token()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			if inRecord {
				items <- model.Item{Err: &model.RecordError{
					Ordinal: *ordinal,
					Reason:  model.NewError(model.KindInvalidICSR, "extractor.Extract", err),
				}}
				return true, nil
			}
			return false, model.NewError(model.KindXMLNotWellFormed, "extractor.Extract", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if !inRecord {
				if !isRecordWrapper(t.Name) {
					continue
				}
				inRecord = true
				*ordinal++
				stack = []*frame{newFrame(t.Name, t.Attr)}
				continue
			}
			stack = append(stack, newFrame(t.Name, t.Attr))

		case xml.EndElement:
			if !inRecord {
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			node := top.node()

			if len(stack) == 0 {
				inRecord = false
				item, recErr := buildItem(node, *ordinal, mode)
				if recErr != nil {
					items <- model.Item{Err: recErr}
				} else {
					items <- item
				}
				continue
			}
			stack[len(stack)-1].addChild(top.name, node)

		case xml.CharData:
			if inRecord && len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
}

// buildItem turns one fully-parsed ICSR subtree into the item the
// caller's chosen mode expects.
func buildItem(root *model.AuditNode, ordinal int, mode Mode) (model.Item, *model.RecordError) {
	sid := textOf(root, "safetyreportid")
	if sid == "" {
		return model.Item{}, &model.RecordError{
			Ordinal: ordinal,
			Reason:  model.NewError(model.KindInvalidICSR, "extractor.buildItem", fmt.Errorf("missing safetyreportid")),
		}
	}

	if mode == Audit {
		receiptDate := textOf(root, "receiptdate")
		return model.Item{Audit: &model.AuditRecord{
			SafetyReportID: sid,
			ReceiptDate:    receiptDate,
			Payload:        root,
		}}, nil
	}

	return model.Item{Record: buildRecord(root, sid)}, nil
}
