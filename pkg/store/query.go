package store

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Resource names one of the stored tables.
type Resource string

const (
	ResourceRawLogs  Resource = "raw_test_logs"
	ResourceRuns     Resource = "test_runs"
	ResourceJourneys Resource = "journeys"
	ResourceSteps    Resource = "steps"
)

// Resources lists every resource served over REST.
var Resources = []Resource{ResourceRawLogs, ResourceRuns, ResourceJourneys, ResourceSteps}

// ParseResource validates a resource name.
func ParseResource(name string) (Resource, bool) {
	for _, r := range Resources {
		if string(r) == name {
			return r, true
		}
	}

	return "", false
}

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindFloat
	kindBool
	kindTime
	kindJSON
)

// columns is the per-resource allow-list of filterable columns.
var columns = map[Resource]map[string]columnKind{
	ResourceRawLogs: {
		"id": kindString, "source": kindString, "platform": kindString,
		"processed": kindBool, "processing_error": kindString,
		"created_at": kindTime, "processed_at": kindTime,
	},
	ResourceRuns: {
		"id": kindString, "readable_id": kindString, "framework": kindString,
		"suite_name": kindString, "environment": kindString, "platform": kindString,
		"system": kindString, "started_at": kindTime, "completed_at": kindTime,
		"total_journeys": kindInt, "passed_journeys": kindInt,
		"failed_journeys": kindInt, "skipped_journeys": kindInt,
		"total_steps": kindInt, "passed_steps": kindInt, "failed_steps": kindInt,
		"skipped_steps": kindInt, "success_rate": kindFloat, "duration_ms": kindInt,
		"build_number": kindString, "build_url": kindString, "job_name": kindString,
		"report_url": kindString, "metadata": kindJSON, "raw_log_id": kindString,
		"created_at": kindTime,
	},
	ResourceJourneys: {
		"id": kindString, "run_id": kindString, "journey_number": kindInt,
		"name": kindString, "description": kindString, "status": kindString,
		"started_at": kindTime, "ended_at": kindTime, "duration_ms": kindInt,
		"failure_reason": kindString, "failure_type": kindString,
		"failure_message": kindString, "failure_stack": kindString,
		"metadata": kindJSON, "created_at": kindTime,
	},
	ResourceSteps: {
		"id": kindString, "run_id": kindString, "journey_id": kindString,
		"step_number": kindInt, "name": kindString, "status": kindString,
		"started_at": kindTime, "ended_at": kindTime, "duration_ms": kindInt,
		"error_type": kindString, "error_message": kindString,
		"error_stack": kindString, "tab_name": kindString, "api_calls": kindJSON,
		"metadata": kindJSON, "created_at": kindTime,
	},
}

// patchable lists the columns each resource accepts in a PATCH. Raw log
// payloads are immutable.
var patchable = map[Resource]map[string]struct{}{
	ResourceRawLogs: {
		"processed": {}, "processing_error": {}, "processed_at": {},
	},
	ResourceRuns: {
		"completed_at": {}, "total_journeys": {}, "passed_journeys": {},
		"failed_journeys": {}, "skipped_journeys": {}, "total_steps": {},
		"passed_steps": {}, "failed_steps": {}, "skipped_steps": {},
		"success_rate": {}, "duration_ms": {}, "report_url": {}, "metadata": {},
		"raw_log_id": {},
	},
	ResourceJourneys: {
		"status": {}, "ended_at": {}, "duration_ms": {}, "failure_reason": {},
		"failure_type": {}, "failure_message": {}, "failure_stack": {},
		"metadata": {},
	},
	ResourceSteps: {},
}

// Op is a filter comparison.
type Op string

const (
	OpEq   Op = "eq"
	OpNeq  Op = "neq"
	OpGt   Op = "gt"
	OpGte  Op = "gte"
	OpLt   Op = "lt"
	OpLte  Op = "lte"
	OpLike Op = "like"
	OpIs   Op = "is"
)

var opSQL = map[Op]string{
	OpEq: "=", OpNeq: "<>", OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<=", OpLike: "LIKE",
}

// Filter is one column predicate.
type Filter struct {
	Column string
	Op     Op
	Value  string
}

// Query selects rows of one resource.
type Query struct {
	Filters []Filter
	Order   string
	Desc    bool
	Limit   int
}

// reservedParams are query parameters that are not column filters.
var reservedParams = map[string]struct{}{
	"select": {}, "order": {}, "limit": {}, "offset": {},
}

// ParseQuery reads PostgREST-style parameters: col=op.value, order=col.desc
// and limit=N. Unknown columns and operators are rejected.
func ParseQuery(resource Resource, params url.Values) (Query, error) {
	var q Query

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, key := range keys {
		if _, ok := reservedParams[key]; ok {
			continue
		}

		for _, raw := range params[key] {
			op, value, ok := strings.Cut(raw, ".")
			if !ok {
				return Query{}, fmt.Errorf("filter %s: expected op.value, got %q", key, raw)
			}

			f := Filter{Column: key, Op: Op(op), Value: value}
			if err := f.validate(resource); err != nil {
				return Query{}, err
			}

			q.Filters = append(q.Filters, f)
		}
	}

	if order := params.Get("order"); order != "" {
		col, dir, _ := strings.Cut(order, ".")
		if _, ok := columns[resource][col]; !ok {
			return Query{}, fmt.Errorf("order: unknown column %q", col)
		}

		switch dir {
		case "", "asc":
		case "desc":
			q.Desc = true
		default:
			return Query{}, fmt.Errorf("order: unknown direction %q", dir)
		}

		q.Order = col
	}

	if limit := params.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return Query{}, fmt.Errorf("limit: invalid value %q", limit)
		}

		q.Limit = n
	}

	return q, nil
}

// Values renders the query as PostgREST-style parameters.
func (q Query) Values() url.Values {
	v := make(url.Values, len(q.Filters)+2)

	for _, f := range q.Filters {
		v.Add(f.Column, string(f.Op)+"."+f.Value)
	}

	if q.Order != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}

		v.Set("order", q.Order+"."+dir)
	}

	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	return v
}

func (f Filter) validate(resource Resource) error {
	kind, ok := columns[resource][f.Column]
	if !ok {
		return fmt.Errorf("filter: unknown column %q", f.Column)
	}

	if f.Op == OpIs {
		switch f.Value {
		case "null", "true", "false":
			return nil
		default:
			return fmt.Errorf("filter %s: is accepts null, true or false", f.Column)
		}
	}

	if _, ok := opSQL[f.Op]; !ok {
		return fmt.Errorf("filter %s: unknown operator %q", f.Column, f.Op)
	}

	if kind == kindJSON {
		return fmt.Errorf("filter %s: JSON columns only support is", f.Column)
	}

	if _, err := coerceParam(kind, f.Value); err != nil {
		return fmt.Errorf("filter %s: %w", f.Column, err)
	}

	return nil
}

// apply adds the query's predicates to db. Columns were validated against
// the allow-list, so they are safe to interpolate.
func (q Query) apply(resource Resource, db *gorm.DB) (*gorm.DB, error) {
	for _, f := range q.Filters {
		if err := f.validate(resource); err != nil {
			return nil, err
		}

		if f.Op == OpIs {
			switch f.Value {
			case "null":
				db = db.Where(fmt.Sprintf("%s IS NULL", f.Column))
			default:
				db = db.Where(fmt.Sprintf("%s = ?", f.Column), f.Value == "true")
			}

			continue
		}

		v, _ := coerceParam(columns[resource][f.Column], f.Value)
		if f.Op == OpLike {
			v = strings.ReplaceAll(f.Value, "*", "%")
		}

		db = db.Where(fmt.Sprintf("%s %s ?", f.Column, opSQL[f.Op]), v)
	}

	if q.Order != "" {
		if _, ok := columns[resource][q.Order]; !ok {
			return nil, fmt.Errorf("order: unknown column %q", q.Order)
		}

		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}

		db = db.Order(fmt.Sprintf("%s %s", q.Order, dir))
	} else {
		db = db.Order("created_at ASC")
	}

	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}

	return db, nil
}

func coerceParam(kind columnKind, raw string) (any, error) {
	switch kind {
	case kindInt:
		return strconv.ParseInt(raw, 10, 64)
	case kindFloat:
		return strconv.ParseFloat(raw, 64)
	case kindBool:
		return strconv.ParseBool(raw)
	case kindTime:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, err
		}

		return t.UTC(), nil
	default:
		return raw, nil
	}
}

// coercePatch converts a decoded JSON value for storage in a column.
func coercePatch(kind columnKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch kind {
	case kindInt:
		switch n := v.(type) {
		case float64:
			return int64(n), nil
		case int, int64:
			return n, nil
		}
	case kindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		}
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case kindTime:
		switch t := v.(type) {
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, err
			}

			return parsed.UTC(), nil
		case time.Time:
			return t.UTC(), nil
		}
	case kindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case kindJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}

		return string(b), nil
	}

	return nil, fmt.Errorf("unexpected value type %T", v)
}
