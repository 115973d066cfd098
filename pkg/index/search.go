package index

import (
	"context"
	"fmt"
	"time"
)

func secondsToDuration(s int64) time.Duration { return time.Duration(s) * time.Second }

// SearchOptions configures an FT.SEARCH call.
type SearchOptions struct {
	// Query is the RediSearch query string, e.g. `@status:{queued|in_progress}`.
	Query string
	// SortBy, if set, adds SORTBY field [ASC|DESC].
	SortBy  string
	SortAsc bool
	// Limit caps the number of returned documents (offset is always 0; a
	// caller that pages, such as ListThreads, asks for limit+offset and skips).
	Limit int
}

// Doc is one parsed FT.SEARCH result row: the document key plus its hash fields.
type Doc struct {
	Key    string
	Fields map[string]string
}

// Search runs FT.SEARCH against the named index and returns the parsed
// documents plus the reported total result count. Readers are expected to
// fall back to a raw KV/ZSET scan when the index is missing or returns an
// error.
func (m *Manager) Search(ctx context.Context, index string, opts SearchOptions) ([]Doc, int, error) {
	args := []interface{}{"FT.SEARCH", index, opts.Query}
	if opts.SortBy != "" {
		args = append(args, "SORTBY", opts.SortBy)
		if opts.SortAsc {
			args = append(args, "ASC")
		} else {
			args = append(args, "DESC")
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, "LIMIT", 0, limit)

	result, err := m.rdb.Do(ctx, args...).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("ft.search %s: %w", index, err)
	}
	return parseSearchResult(result)
}

// parseSearchResult understands both the RESP2 array shape
// ([count, key, fields, key, fields, ...]) and the RESP3 map shape
// ({"total_results": n, "results": [{"id": ..., "extra_attributes": {...}}]})
// that go-redis v9 can hand back depending on protocol negotiation.
func parseSearchResult(result interface{}) ([]Doc, int, error) {
	if m, ok := result.(map[interface{}]interface{}); ok {
		return parseResp3(m)
	}

	arr, ok := result.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, 0, nil
	}

	total, ok := arr[0].(int64)
	if !ok {
		return nil, 0, fmt.Errorf("ft.search: unexpected total count type %T", arr[0])
	}

	docs := make([]Doc, 0, (len(arr)-1)/2)
	for i := 1; i+1 < len(arr); i += 2 {
		key, _ := arr[i].(string)
		fields := make(map[string]string)
		switch fv := arr[i+1].(type) {
		case []interface{}:
			for j := 0; j+1 < len(fv); j += 2 {
				k, kok := fv[j].(string)
				v, vok := fv[j+1].(string)
				if kok && vok {
					fields[k] = v
				}
			}
		case map[interface{}]interface{}:
			for k, v := range fv {
				ks, kok := k.(string)
				if !kok {
					continue
				}
				fields[ks] = toString(v)
			}
		}
		docs = append(docs, Doc{Key: key, Fields: fields})
	}
	return docs, int(total), nil
}

func parseResp3(m map[interface{}]interface{}) ([]Doc, int, error) {
	total := 0
	if tc, ok := m["total_results"].(int64); ok {
		total = int(tc)
	}
	results, ok := m["results"].([]interface{})
	if !ok {
		return nil, total, nil
	}
	docs := make([]Doc, 0, len(results))
	for _, r := range results {
		row, ok := r.(map[interface{}]interface{})
		if !ok {
			continue
		}
		key := toString(row["id"])
		fields := make(map[string]string)
		if attrs, ok := row["extra_attributes"].(map[interface{}]interface{}); ok {
			for k, v := range attrs {
				ks, kok := k.(string)
				if !kok {
					continue
				}
				fields[ks] = toString(v)
			}
		}
		docs = append(docs, Doc{Key: key, Fields: fields})
	}
	return docs, total, nil
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%.0f", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
