package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const modulePath = "github.com/linnemanlabs/outreach"

// slowQueryThreshold is the duration at or above which a query is logged
// at warn level. 0 disables slow-query warnings.
var slowQueryThreshold atomic.Int64

// SetSlowQueryThreshold sets the duration at which queries are logged as
// slow. 0 disables it.
func SetSlowQueryThreshold(d time.Duration) {
	slowQueryThreshold.Store(int64(d))
}

type queryStateKey struct{}

// queryState travels from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql      string
	argCount int
	start    time.Time
	caller   string
	handler  string
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) with a log line and
// metrics per query. Argument values are never logged since they carry
// contact emails and phone numbers; only their count is.
type queryTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return queryTracer{inner: inner}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{sql: data.SQL, argCount: len(data.Args), start: time.Now()}
	st.caller, st.handler = findDBCallerAndHandler()

	// otelpgx opens its span first so the attributes below land on it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if st.caller != "" {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			span.SetAttributes(attribute.String("db.handler", st.handler))
		}
	}
	return context.WithValue(ctx, queryStateKey{}, st)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, ok := ctx.Value(queryStateKey{}).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if obs := currentObserver(); obs != nil {
		source, route := queryLabels(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, source, route, outcome, dur)
	}

	fields := queryFields(st, dur, data)
	L := log.FromContext(ctx)
	if L == nil {
		L = log.Nop()
	}
	switch slow := time.Duration(slowQueryThreshold.Load()); {
	case data.Err != nil:
		L.Error(ctx, data.Err, "db query failed", fields...)
	case slow > 0 && dur >= slow:
		L.Warn(ctx, "slow db query", append(fields, "db.slow_threshold", slow.Seconds())...)
	default:
		L.Info(ctx, "db query", fields...)
	}
}

func queryFields(st *queryState, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", st.sql,
		"db.arg_count", st.argCount,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		op, _, _ := strings.Cut(tag, " ")
		fields = append(fields,
			"db.operation.name", strings.ToUpper(op),
			"pg.command_tag", tag,
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields,
			"db.error_code", pgErr.Code,
			"db.error_constraint", pgErr.ConstraintName,
		)
	}
	return fields
}

// findDBCallerAndHandler walks the stack for the function issuing the query
// (caller) and the first frame above it that is not a store helper
// (handler), e.g. pgstore Claim called from the sequencer.
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "":
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "queryTracer.TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case !isStoreHelper(fn):
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

// isStoreHelper reports whether fn belongs to this package or is an
// unexported method of a store package, so the handler frame lands on the
// exported store method's caller.
func isStoreHelper(fn string) bool {
	if strings.Contains(fn, modulePath+"/internal/postgres.") {
		return true
	}
	if !strings.Contains(fn, "store.") {
		return false
	}
	name := fn[strings.LastIndex(fn, ".")+1:]
	return name != "" && name[0] >= 'a' && name[0] <= 'z'
}

// shortenFuncName drops the package path, leaving receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
