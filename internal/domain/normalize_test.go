package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURLs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "newline and comma with duplicate",
			raw:  "https://a/1\nhttps://a/1,https://a/2",
			want: []string{"https://a/1", "https://a/2"},
		},
		{
			name: "whitespace trimmed and blanks dropped",
			raw:  "  https://a/1 \n\n , ,https://a/2\t",
			want: []string{"https://a/1", "https://a/2"},
		},
		{
			name: "empty input",
			raw:  "",
			want: []string{},
		},
		{
			name: "keeps first occurrence order",
			raw:  "https://b,https://a,https://b",
			want: []string{"https://b", "https://a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURLs(tt.raw))
		})
	}
}

func TestNormalizeURLList_SplitsEmbeddedDelimiters(t *testing.T) {
	got := NormalizeURLList([]string{"https://a/1,https://a/2", " https://a/1 ", "https://a/3\nhttps://a/2"})
	assert.Equal(t, []string{"https://a/1", "https://a/2", "https://a/3"}, got)
}

func TestValidateSourceURL(t *testing.T) {
	require.NoError(t, ValidateSourceURL("https://v.douyin.com/abc/"))
	require.NoError(t, ValidateSourceURL("http://example.com/video?id=1"))

	invalid := []string{"", "   ", "not a url", "ftp://example.com/a", "https://", "://missing"}
	for _, input := range invalid {
		err := ValidateSourceURL(input)
		var inputErr *InputError
		assert.ErrorAs(t, err, &inputErr, "input %q", input)
	}
}
