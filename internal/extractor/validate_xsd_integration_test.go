//go:build integration

package extractor_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/py-load-eudravigilance/internal/extractor"
)

// TestValidate_XSDSchema exercises the cgo-backed libxml2 schema
// validation path, gated behind the integration build tag since it
// depends on libxml2 being installed on the build host.
func TestValidate_XSDSchema(t *testing.T) {
	xsd := `<?xml version="1.0"?>
<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema">
  <xs:element name="widget">
    <xs:complexType>
      <xs:sequence>
        <xs:element name="id" type="xs:string"/>
      </xs:sequence>
    </xs:complexType>
  </xs:element>
</xs:schema>`

	dir := t.TempDir()
	xsdPath := filepath.Join(dir, "widget.xsd")
	require.NoError(t, os.WriteFile(xsdPath, []byte(xsd), 0o644))

	ok, messages := extractor.Validate(strings.NewReader(`<widget><id>1</id></widget>`), xsdPath)
	assert.True(t, ok)
	assert.Empty(t, messages)

	ok, messages = extractor.Validate(strings.NewReader(`<widget><wrong>1</wrong></widget>`), xsdPath)
	assert.False(t, ok)
	assert.NotEmpty(t, messages)
}
