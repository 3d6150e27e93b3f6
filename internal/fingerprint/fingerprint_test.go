package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

func TestFingerprintIgnoresMeta(t *testing.T) {
	t.Parallel()

	f := New()
	a, err := f.Fingerprint(crawler.NewRequest("http://a.test/x", crawler.WithMetaValue("depth", 1)))
	require.NoError(t, err)
	b, err := f.Fingerprint(crawler.NewRequest("http://a.test/x", crawler.WithMetaValue("depth", 9)))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, Valid(a))
}

func TestFingerprintCanonicalURL(t *testing.T) {
	t.Parallel()

	f := New()
	a, err := f.Fingerprint(crawler.NewRequest("http://A.test:80/x?b=2&a=1#frag"))
	require.NoError(t, err)
	b, err := f.Fingerprint(crawler.NewRequest("http://a.test/x?a=1&b=2"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintDistinguishesMethodAndBody(t *testing.T) {
	t.Parallel()

	f := New()
	get, err := f.Fingerprint(crawler.NewRequest("http://a.test/x"))
	require.NoError(t, err)
	post, err := f.Fingerprint(crawler.NewRequest("http://a.test/x", crawler.WithMethod("POST")))
	require.NoError(t, err)
	body, err := f.Fingerprint(crawler.NewRequest("http://a.test/x",
		crawler.WithMethod("POST"), crawler.WithBody([]byte("q=1"))))
	require.NoError(t, err)

	assert.NotEqual(t, get, post)
	assert.NotEqual(t, post, body)
}

func TestFingerprintHeaders(t *testing.T) {
	t.Parallel()

	plain := New()
	withLang := New("accept-language", "Accept-Language")
	en := crawler.NewRequest("http://a.test/", crawler.WithHeader("Accept-Language", "en"))
	fr := crawler.NewRequest("http://a.test/", crawler.WithHeader("Accept-Language", "fr"))

	a, err := plain.Fingerprint(en)
	require.NoError(t, err)
	b, err := plain.Fingerprint(fr)
	require.NoError(t, err)
	assert.Equal(t, a, b, "headers are excluded by default")

	a, err = withLang.Fingerprint(en)
	require.NoError(t, err)
	b, err = withLang.Fingerprint(fr)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFingerprintStable(t *testing.T) {
	t.Parallel()

	got, err := New().Fingerprint(crawler.NewRequest("http://a.test/"))
	require.NoError(t, err)
	again, err := New().Fingerprint(crawler.NewRequest("http://a.test/"))
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.False(t, Valid("abc"))
	assert.False(t, Valid("ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ"))
	assert.True(t, Valid("0123456789abcdef0123456789abcdef01234567"))
}

func TestFingerprintBadURL(t *testing.T) {
	t.Parallel()

	_, err := New().Fingerprint(crawler.NewRequest("http://a b\x7f/"))
	require.Error(t, err)
}
