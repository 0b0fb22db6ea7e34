package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePhone(t *testing.T) {
	assert.NoError(t, ValidatePhone("6281234567890"))
	assert.NoError(t, ValidatePhone(" +6281234567890 "))
	assert.Error(t, ValidatePhone(""))
	assert.Error(t, ValidatePhone("081234567890"))
	assert.Error(t, ValidatePhone("62-812"))
	assert.Error(t, ValidatePhone("12345"))
}

func TestValidateJID(t *testing.T) {
	assert.NoError(t, ValidateJID("6281234567890@s.whatsapp.net"))
	assert.NoError(t, ValidateJID("6281234567890"))
	assert.Error(t, ValidateJID("@s.whatsapp.net"))
	assert.Error(t, ValidateJID(""))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://hooks.example.com/wa"))
	assert.NoError(t, ValidateURL("http://127.0.0.1:9000/hook"))
	assert.Error(t, ValidateURL(""))
	assert.Error(t, ValidateURL("hooks.example.com"))
	assert.Error(t, ValidateURL("ftp://example.com/x"))
}
