package fat32

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateShortNameFitsAsIs(t *testing.T) {
	assert.Equal(t, "FOO.TXT", generateShortName("foo.txt", nil))
}

func TestGenerateShortNameLongStemGetsNumericTail(t *testing.T) {
	// "hello1234" is 9 characters, too long for an 8-character stem.
	short := generateShortName("hello1234.txt", nil)
	assert.Equal(t, "HELLO1~1.TXT", short)
}

func TestGenerateShortNameCollisionBumpsTail(t *testing.T) {
	siblings := []string{"HELLO1~1.TXT"}
	short := generateShortName("hello1234.txt", siblings)
	assert.Equal(t, "HELLO1~2.TXT", short)
}

func TestNeedsLongName(t *testing.T) {
	assert.False(t, needsLongName("FOO.TXT"))
	assert.False(t, needsLongName("."))
	assert.False(t, needsLongName(".."))
	assert.True(t, needsLongName("foo.txt"))         // lowercase
	assert.True(t, needsLongName("hello1234.txt"))    // stem too long
	assert.True(t, needsLongName("a.longext"))        // extension too long
}
