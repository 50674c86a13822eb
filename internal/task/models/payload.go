package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPayload marks payload schema violations. Callers branch with
// errors.Is; the wrapped detail names the offending field.
var ErrInvalidPayload = errors.New("invalid payload")

// Defaults applied when the caller omits budget fields.
const (
	DefaultMaxCreators       = 500
	DefaultTargetNewCreators = 50
)

// aliasKeys maps accepted camelCase payload keys to their canonical
// snake_case form. Folding happens on a copy; the caller's map is never
// mutated.
var aliasKeys = map[string]string{
	"taskId":            "task_id",
	"taskName":          "task_name",
	"taskType":          "task_type",
	"campaignId":        "campaign_id",
	"campaignName":      "campaign_name",
	"productId":         "product_id",
	"productName":       "product_name",
	"searchStrategy":    "search_strategy",
	"emailFirst":        "email_first",
	"emailLater":        "email_later",
	"maxCreators":       "max_creators",
	"targetNewCreators": "target_new_creators",
	"runAtTime":         "run_at_time",
	"runEndTime":        "run_end_time",
}

var brandAliasKeys = map[string]string{
	"onlyFirst": "only_first",
	"keyWord":   "key_word",
}

var strategyAliasKeys = map[string]string{
	"searchKeywords":    "search_keywords",
	"productCategory":   "product_category",
	"fansAgeRange":      "fans_age_range",
	"fansGender":        "fans_gender",
	"minFans":           "min_fans",
	"contentType":       "content_type",
	"minGMV":            "min_GMV",
	"maxGMV":            "max_GMV",
	"minSales":          "min_sales",
	"avgViews":          "avg_views",
	"minEngagementRate": "min_engagement_rate",
}

var emailAliasKeys = map[string]string{
	"emailBody": "email_body",
}

// salesCodes and gmvCodes are the closed sets the driver understands.
// Unrecognized codes are dropped during normalization.
var salesCodes = map[string]string{
	"0-10":     "0-10",
	"10-100":   "10-100",
	"100-1k":   "100-1k",
	"100-1000": "100-1k",
	"1k+":      "1k+",
	"1000+":    "1k+",
}

var gmvCodes = map[string]string{
	"0-100":      "0-100",
	"100-1k":     "100-1k",
	"100-1000":   "100-1k",
	"1k-10k":     "1k-10k",
	"1000-10000": "1k-10k",
	"10k+":       "10k+",
	"10000+":     "10k+",
}

// callerTimeLayouts are the naive formats accepted for run_at_time and
// run_end_time. Values with an explicit offset use RFC 3339.
var callerTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseCallerTime parses a scheduling time. Offset-qualified values are
// honored as given; naive values are interpreted in loc. The result is UTC.
func ParseCallerTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty time value", ErrInvalidPayload)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range callerTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable time %q", ErrInvalidPayload, s)
}

// ParseCreate validates and normalizes a Submit payload. It returns a Task
// carrying the extracted fields and the normalized payload copy; TaskID,
// Status, SubmittedAt and TaskDir are left for the manager to fill.
// The input map is not mutated.
func ParseCreate(raw map[string]interface{}, loc *time.Location) (*Task, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	p := deepCopyMap(raw)
	if err := normalizePayload(p, loc); err != nil {
		return nil, err
	}

	t := &Task{Payload: p}
	if err := extractInto(t, p, loc); err != nil {
		return nil, err
	}
	if t.BrandName == "" {
		return nil, fmt.Errorf("%w: brand.name is required", ErrInvalidPayload)
	}
	if t.Region == "" {
		return nil, fmt.Errorf("%w: region is required", ErrInvalidPayload)
	}
	if t.TaskName == "" {
		t.TaskName = t.BrandName
		p["task_name"] = t.TaskName
	}
	return t, nil
}

// ApplyUpdate overlays a partial payload onto an existing task. Top-level
// keys replace whole (nested records are not merged field by field). The
// task's extracted fields are refreshed from the merged payload.
func ApplyUpdate(t *Task, patch map[string]interface{}, loc *time.Location) error {
	if len(patch) == 0 {
		return nil
	}
	folded := deepCopyMap(patch)
	foldAliases(folded, aliasKeys)

	if id, ok := asString(folded["task_id"]); ok && id != "" && id != t.TaskID {
		return fmt.Errorf("%w: task_id %q does not match target %q", ErrInvalidPayload, id, t.TaskID)
	}
	delete(folded, "task_id")

	merged := deepCopyMap(t.Payload)
	for k, v := range folded {
		merged[k] = v
	}
	if err := normalizePayload(merged, loc); err != nil {
		return err
	}

	updated := &Task{Payload: merged}
	if err := extractInto(updated, merged, loc); err != nil {
		return err
	}
	if updated.BrandName == "" {
		return fmt.Errorf("%w: brand.name is required", ErrInvalidPayload)
	}
	if updated.TaskName == "" {
		updated.TaskName = updated.BrandName
		merged["task_name"] = updated.TaskName
	}

	t.Payload = merged
	t.TaskType = updated.TaskType
	t.TaskName = updated.TaskName
	t.BrandName = updated.BrandName
	t.Region = updated.Region
	t.CampaignID = updated.CampaignID
	t.CampaignName = updated.CampaignName
	t.ProductID = updated.ProductID
	t.ProductName = updated.ProductName
	t.MaxCreators = updated.MaxCreators
	t.TargetNewCreators = updated.TargetNewCreators
	t.RunAtRaw = updated.RunAtRaw
	t.RunAt = updated.RunAt
	t.RunEndRaw = updated.RunEndRaw
	t.RunEnd = updated.RunEnd
	return nil
}

// Rename adjusts only the task name; the manager recomputes the work
// directory from the result.
func (t *Task) Rename(newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return fmt.Errorf("%w: task_name must not be empty", ErrInvalidPayload)
	}
	t.TaskName = newName
	if t.Payload != nil {
		t.Payload["task_name"] = newName
	}
	return nil
}

// normalizePayload canonicalizes a payload map in place: alias folding,
// only_first coercion, sales/gmv code normalization, budget defaults, and
// the email_later fallback.
func normalizePayload(p map[string]interface{}, loc *time.Location) error {
	foldAliases(p, aliasKeys)

	onlyFirst := 0
	if b, ok := p["brand"]; ok {
		brand, ok := b.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: brand must be an object", ErrInvalidPayload)
		}
		foldAliases(brand, brandAliasKeys)
		onlyFirst = normalizeOnlyFirst(brand["only_first"])
		brand["only_first"] = onlyFirst
	}

	if s, ok := p["search_strategy"]; ok {
		strategy, ok := s.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: search_strategy must be an object", ErrInvalidPayload)
		}
		foldAliases(strategy, strategyAliasKeys)
		if v, ok := strategy["sales"]; ok {
			strategy["sales"] = normalizeCodes(v, salesCodes)
		}
		if v, ok := strategy["gmv"]; ok {
			strategy["gmv"] = normalizeCodes(v, gmvCodes)
		}
	}

	for _, key := range []string{"email_first", "email_later"} {
		if e, ok := p[key]; ok {
			email, ok := e.(map[string]interface{})
			if !ok {
				return fmt.Errorf("%w: %s must be an object", ErrInvalidPayload, key)
			}
			foldAliases(email, emailAliasKeys)
		}
	}
	// The follow-up template defaults to the first-touch one unless the
	// caller runs in first-email-only mode (only_first=1).
	if _, ok := p["email_later"]; !ok && (onlyFirst == 0 || onlyFirst == 2) {
		if first, ok := p["email_first"].(map[string]interface{}); ok {
			p["email_later"] = deepCopyMap(first)
		}
	}

	maxCreators, err := intField(p, "max_creators", DefaultMaxCreators)
	if err != nil {
		return err
	}
	if maxCreators < 1 {
		return fmt.Errorf("%w: max_creators must be positive", ErrInvalidPayload)
	}
	p["max_creators"] = maxCreators

	target, err := intField(p, "target_new_creators", DefaultTargetNewCreators)
	if err != nil {
		return err
	}
	if target < 1 {
		return fmt.Errorf("%w: target_new_creators must be positive", ErrInvalidPayload)
	}
	p["target_new_creators"] = target

	if region, ok := asString(p["region"]); ok {
		p["region"] = strings.ToUpper(strings.TrimSpace(region))
	}
	return nil
}

// extractInto reads the documented fields out of a normalized payload.
func extractInto(t *Task, p map[string]interface{}, loc *time.Location) error {
	if id, ok := asString(p["task_id"]); ok {
		t.TaskID = strings.TrimSpace(id)
	}
	t.TaskName, _ = asString(p["task_name"])
	t.TaskName = strings.TrimSpace(t.TaskName)

	switch tt, _ := asString(p["task_type"]); tt {
	case "", string(TaskTypeConnect):
		t.TaskType = TaskTypeConnect
	case string(TaskTypeCard):
		t.TaskType = TaskTypeCard
	default:
		return fmt.Errorf("%w: task_type must be Connect or Card", ErrInvalidPayload)
	}

	if brand, ok := p["brand"].(map[string]interface{}); ok {
		t.BrandName, _ = asString(brand["name"])
		t.BrandName = strings.TrimSpace(t.BrandName)
	}
	t.Region, _ = asString(p["region"])
	t.CampaignID, _ = asString(p["campaign_id"])
	t.CampaignName, _ = asString(p["campaign_name"])
	t.ProductID, _ = asString(p["product_id"])
	t.ProductName, _ = asString(p["product_name"])

	t.MaxCreators, _ = asInt(p["max_creators"])
	t.TargetNewCreators, _ = asInt(p["target_new_creators"])

	t.RunAtRaw = ""
	t.RunAt = nil
	if s, ok := asString(p["run_at_time"]); ok && strings.TrimSpace(s) != "" {
		at, err := ParseCallerTime(s, loc)
		if err != nil {
			return fmt.Errorf("%w: run_at_time: %v", ErrInvalidPayload, err)
		}
		t.RunAtRaw = s
		t.RunAt = &at
	}
	t.RunEndRaw = ""
	t.RunEnd = nil
	if s, ok := asString(p["run_end_time"]); ok && strings.TrimSpace(s) != "" {
		end, err := ParseCallerTime(s, loc)
		if err != nil {
			return fmt.Errorf("%w: run_end_time: %v", ErrInvalidPayload, err)
		}
		t.RunEndRaw = s
		t.RunEnd = &end
	}
	return nil
}

// ClearRunAt strips a past scheduling time so the wait collapses to zero.
func (t *Task) ClearRunAt() {
	t.RunAtRaw = ""
	t.RunAt = nil
	if t.Payload != nil {
		delete(t.Payload, "run_at_time")
	}
}

func foldAliases(m map[string]interface{}, aliases map[string]string) {
	for alias, canonical := range aliases {
		v, ok := m[alias]
		if !ok {
			continue
		}
		if _, exists := m[canonical]; !exists {
			m[canonical] = v
		}
		delete(m, alias)
	}
}

// normalizeOnlyFirst coerces the only_first flag into {0, 1, 2}.
// Truthy strings become 1, falsy and unknown strings 0.
func normalizeOnlyFirst(v interface{}) int {
	switch tv := v.(type) {
	case nil:
		return 0
	case bool:
		if tv {
			return 1
		}
		return 0
	case int:
		if tv >= 0 && tv <= 2 {
			return tv
		}
		return 0
	case int64:
		return normalizeOnlyFirst(int(tv))
	case float64:
		return normalizeOnlyFirst(int(tv))
	case string:
		s := strings.ToLower(strings.TrimSpace(tv))
		switch s {
		case "1", "true", "yes", "y", "on":
			return 1
		case "2":
			return 2
		default:
			return 0
		}
	default:
		return 0
	}
}

// normalizeCodes filters a code list down to the closed set, dropping
// anything unrecognized.
func normalizeCodes(v interface{}, codes map[string]string) []interface{} {
	list, ok := v.([]interface{})
	if !ok {
		if s, isStr := v.(string); isStr {
			list = []interface{}{s}
		} else {
			return []interface{}{}
		}
	}
	out := make([]interface{}, 0, len(list))
	for _, e := range list {
		s, isStr := e.(string)
		if !isStr {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
		key = strings.ReplaceAll(key, "~", "-")
		if canonical, known := codes[key]; known {
			out = append(out, canonical)
		}
	}
	return out
}

func intField(p map[string]interface{}, key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	n, ok := asInt(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidPayload, key)
	}
	return n, nil
}

func asInt(v interface{}) (int, bool) {
	switch tv := v.(type) {
	case int:
		return tv, true
	case int32:
		return int(tv), true
	case int64:
		return int(tv), true
	case float64:
		return int(tv), true
	case float32:
		return int(tv), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(tv))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
