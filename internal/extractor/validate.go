package extractor

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/lestrrat-go/libxml2"
	"github.com/lestrrat-go/libxml2/xsd"
)

// Validate checks a stream for well-formedness in the same one-pass
// streaming manner as Extract and, when xsdPath is non-empty, also
// validates the document against that XSD schema. It is independent of
// extraction: a caller that wants both validation and extraction runs
// the stream through each separately.
//
// Well-formedness checking never buffers the stream. Full schema
// validation does: libxml2's schema validator needs the whole parsed
// document tree, so xsdPath != "" reads r to completion before handing
// the bytes to cgo. That is an acceptable trade-off here because
// validate only runs as an explicit, opt-in pre-pass over files that
// are expected to fit comfortably in memory one at a time, never
// during the constant-memory extraction path itself.
func Validate(r io.Reader, xsdPath string) (ok bool, messages []string) {
	if xsdPath == "" {
		return validateWellFormed(r)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return false, []string{fmt.Sprintf("reading stream: %v", err)}
	}

	if wellFormed, msgs := validateWellFormed(bytes.NewReader(data)); !wellFormed {
		return false, msgs
	}

	return validateAgainstSchema(data, xsdPath)
}

func validateWellFormed(r io.Reader) (ok bool, messages []string) {
	dec := xml.NewDecoder(r)
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return len(messages) == 0, messages
		}
		if err != nil {
			messages = append(messages, fmt.Sprintf("not well-formed: %v", err))
			return false, messages
		}
	}
}

// validateAgainstSchema runs libxml2's schema validator over data,
// collecting one message per reported schema violation rather than
// stopping at the first.
func validateAgainstSchema(data []byte, xsdPath string) (ok bool, messages []string) {
	schema, err := xsd.ParseFromFile(xsdPath)
	if err != nil {
		return false, []string{fmt.Sprintf("loading schema %s: %v", xsdPath, err)}
	}
	defer schema.Free()

	doc, err := libxml2.Parse(data)
	if err != nil {
		return false, []string{fmt.Sprintf("parsing document for schema validation: %v", err)}
	}
	defer doc.Free()

	if err := schema.Validate(doc); err != nil {
		if verr, isSchemaErr := err.(xsd.SchemaValidationError); isSchemaErr {
			for _, e := range verr.Errors() {
				messages = append(messages, e.Error())
			}
			return false, messages
		}
		return false, []string{err.Error()}
	}

	return true, nil
}
