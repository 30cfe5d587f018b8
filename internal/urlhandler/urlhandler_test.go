package urlhandler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{
			name:     "bare host gets http scheme",
			input:    "example.com",
			expected: "http://example.com",
		},
		{
			name:     "https is preserved",
			input:    "https://example.com/path",
			expected: "https://example.com/path",
		},
		{
			name:     "host is lowercased",
			input:    "https://EXAMPLE.Com/Path",
			expected: "https://example.com/Path",
		},
		{
			name:     "fragment is stripped",
			input:    "https://example.com/page#section-2",
			expected: "https://example.com/page",
		},
		{
			name:     "query survives",
			input:    "https://example.com/search?q=news&page=2",
			expected: "https://example.com/search?q=news&page=2",
		},
		{
			name:     "surrounding whitespace trimmed",
			input:    "  https://example.com  ",
			expected: "https://example.com",
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "whitespace only",
			input:   "   ",
			wantErr: true,
		},
		{
			name:    "scheme without host",
			input:   "https://",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRegisteredDomain(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain com domain",
			input:    "https://news.example.com/latest",
			expected: "example.com",
		},
		{
			name:     "multi-label public suffix",
			input:    "https://shop.example.co.uk",
			expected: "example.co.uk",
		},
		{
			name:     "bare registered domain",
			input:    "example.org",
			expected: "example.org",
		},
		{
			name:     "ip address falls back to the host",
			input:    "http://192.168.1.10:8080/status",
			expected: "192.168.1.10",
		},
		{
			name:     "single-label internal host",
			input:    "http://intranet/page",
			expected: "intranet",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RegisteredDomain(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRegisteredDomainInvalidURL(t *testing.T) {
	_, err := RegisteredDomain("")
	require.Error(t, err)
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "path and query dropped",
			input:    "https://example.com/news/today?utm=1",
			expected: "https://example.com",
		},
		{
			name:     "port is kept",
			input:    "http://example.com:8089/health",
			expected: "http://example.com:8089",
		},
		{
			name:     "bare host defaults to http",
			input:    "example.com/page",
			expected: "http://example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BaseURL(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "url becomes safe fragment",
			input:    "https://example.com/news/today",
			expected: "example.com_news_today",
		},
		{
			name:     "unsafe runs collapse to one underscore",
			input:    "a b??c//d",
			expected: "a_b_c_d",
		},
		{
			name:     "dots and dashes survive",
			input:    "archive-audit.2026-01-02.parquet",
			expected: "archive-audit.2026-01-02.parquet",
		},
		{
			name:     "leading and trailing underscores trimmed",
			input:    "__name__",
			expected: "name",
		},
		{
			name:     "nothing safe left",
			input:    "///",
			expected: "sanitized_empty_input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeFilename(tt.input))
		})
	}
}
