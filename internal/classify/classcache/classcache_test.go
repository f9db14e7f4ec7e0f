package classcache

import (
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/outreach/internal/classify"
)

func openCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c, err := Open("", ttl, log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClassify_MissThenHit(t *testing.T) {
	t.Parallel()

	c := openCache(t, time.Hour)
	rec := classify.Record{Company: "Oaxaca International School", Title: "Director"}

	first := c.Classify(rec)
	second := c.Classify(rec)

	assert.Equal(t, classify.Classify(rec), first)
	assert.Equal(t, first, second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.misses))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.writeErrors))
}

func TestKey_NormalizesInput(t *testing.T) {
	t.Parallel()

	a := Key(classify.Record{Company: "  ACME Corp. ", Title: "CEO"})
	b := Key(classify.Record{Company: "acme corp", Title: "ceo"})
	c := Key(classify.Record{Company: "acme corp", Title: "ceo", CompanySize: 10})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestGet_Missing(t *testing.T) {
	t.Parallel()

	c := openCache(t, 0)
	_, ok, err := c.Get(classify.Record{Company: "nobody"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutGet_OnDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec := classify.Record{Company: "Clinica Dental Sonrisa"}
	want := classify.Classify(rec)

	c, err := Open(dir, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(rec, want))
	require.NoError(t, c.Close())

	reopened, err := Open(dir, time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, ok, err := reopened.Get(rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestClassify_CacheFailuresAreCounted(t *testing.T) {
	t.Parallel()

	c, err := Open("", time.Hour, log.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	rec := classify.Record{Company: "Hospital Escuela", Title: "Director"}
	assert.Equal(t, classify.Classify(rec), c.Classify(rec), "a broken cache still classifies")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.readErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.writeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.misses))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.hits))
}

func TestRegister(t *testing.T) {
	t.Parallel()

	c := openCache(t, time.Hour)
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))
	c.Classify(classify.Record{Company: "Acme Corp"})

	n, err := testutil.GatherAndCount(reg, "outreach_classcache_misses_total", "outreach_classcache_write_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Error(t, c.Register(reg), "registering twice must fail")
}
