package extractor_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gowthamrao/py-load-eudravigilance/internal/extractor"
)

func TestValidate_WellFormedDocument(t *testing.T) {
	ok, messages := extractor.Validate(strings.NewReader(oneICSR), "")
	assert.True(t, ok)
	assert.Empty(t, messages)
}

func TestValidate_MalformedDocument(t *testing.T) {
	ok, messages := extractor.Validate(strings.NewReader("<a><b></a>"), "")
	assert.False(t, ok)
	assert.NotEmpty(t, messages)
}
