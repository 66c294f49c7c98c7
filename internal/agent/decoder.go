package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"helmsman/internal/pkg/jsonutil"
	"helmsman/internal/types"
)

// DecodeStatus 描述模型输出被解析的程度。
type DecodeStatus string

const (
	DecodeOK      DecodeStatus = "ok"
	DecodePartial DecodeStatus = "partial"
	DecodeUnknown DecodeStatus = "unknown"
)

// DecodedVote 是边界处一次性解析出的投票结果，Unknown 时方向固定为 hold。
type DecodedVote struct {
	Status     DecodeStatus
	Direction  types.Direction
	Confidence float64
	Reasoning  string
	Issues     []string
}

const voteSchema = `{
  "type": "object",
  "required": ["direction", "confidence"],
  "properties": {
    "direction":  {"type": "string", "enum": ["long", "short", "hold"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 100},
    "reasoning":  {"type": "string"}
  }
}`

var compiledVoteSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("vote.json", strings.NewReader(voteSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("vote.json")
})

var (
	directionKeys  = []string{"direction", "action", "signal", "decision", "side", "position"}
	confidenceKeys = []string{"confidence", "conf", "probability", "certainty", "score"}
	reasoningKeys  = []string{"reasoning", "reason", "rationale", "analysis", "explanation"}

	directionWord  = regexp.MustCompile(`(?i)\b(long|short|hold|buy|sell|bullish|bearish|neutral)\b`)
	confidenceText = regexp.MustCompile(`(?i)confidence[^0-9]{0,16}(\d{1,3}(?:\.\d+)?)\s*(%?)`)
)

// DecodeVote 尽力把模型原始回复转成结构化投票：
// 先找 JSON 对象并按 schema 校验，失败时用 gjson 宽松读取同义字段，最后退回到正文关键词。
func DecodeVote(raw string) DecodedVote {
	if obj, ok := jsonutil.ExtractObject(raw); ok && gjson.Valid(obj) {
		if vote, ok := decodeStrict(obj); ok {
			return vote
		}
		if vote, ok := decodeLenient(obj); ok {
			return vote
		}
	}
	return decodeText(raw)
}

func decodeStrict(obj string) (DecodedVote, bool) {
	schema, err := compiledVoteSchema()
	if err != nil {
		return DecodedVote{}, false
	}
	var doc any
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return DecodedVote{}, false
	}
	if err := schema.Validate(doc); err != nil {
		return DecodedVote{}, false
	}
	parsed := gjson.Parse(obj)
	dir, _ := types.ParseDirection(parsed.Get("direction").String())
	return DecodedVote{
		Status:     DecodeOK,
		Direction:  dir,
		Confidence: parsed.Get("confidence").Float(),
		Reasoning:  strings.TrimSpace(parsed.Get("reasoning").String()),
	}, true
}

func decodeLenient(obj string) (DecodedVote, bool) {
	parsed := gjson.Parse(obj)
	if !parsed.IsObject() {
		return DecodedVote{}, false
	}
	lookup := func(keys []string) gjson.Result {
		for _, k := range keys {
			if v := parsed.Get(k); v.Exists() {
				return v
			}
		}
		// 兼容 {"vote": {...}} 这种多包一层的写法
		var nested gjson.Result
		parsed.ForEach(func(_, child gjson.Result) bool {
			if !child.IsObject() {
				return true
			}
			for _, k := range keys {
				if v := child.Get(k); v.Exists() {
					nested = v
					return false
				}
			}
			return true
		})
		return nested
	}

	dirField := lookup(directionKeys)
	dir, ok := types.ParseDirection(dirField.String())
	if !ok {
		return DecodedVote{}, false
	}
	out := DecodedVote{
		Status:    DecodePartial,
		Direction: dir,
		Reasoning: strings.TrimSpace(lookup(reasoningKeys).String()),
	}
	conf, err := coerceConfidence(lookup(confidenceKeys))
	if err != nil {
		out.Issues = append(out.Issues, err.Error())
	}
	out.Confidence = conf
	return out, true
}

func decodeText(raw string) DecodedVote {
	unknown := DecodedVote{Status: DecodeUnknown, Direction: types.DirectionHold}
	matches := directionWord.FindAllString(raw, -1)
	if len(matches) == 0 {
		unknown.Issues = []string{"no direction found"}
		return unknown
	}
	seen := map[types.Direction]bool{}
	var dir types.Direction
	for _, m := range matches {
		d, _ := types.ParseDirection(m)
		seen[d] = true
		dir = d
	}
	if len(seen) > 1 {
		unknown.Issues = []string{fmt.Sprintf("ambiguous direction words %v", matches)}
		return unknown
	}
	out := DecodedVote{
		Status:    DecodePartial,
		Direction: dir,
		Reasoning: strings.TrimSpace(raw),
	}
	if m := confidenceText.FindStringSubmatch(raw); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		if m[2] == "" && v <= 1 {
			v *= 100
		}
		out.Confidence = clampConfidence(v)
	} else {
		out.Issues = append(out.Issues, "no confidence found")
	}
	return out
}

// coerceConfidence 接受 72、"72%"、0.72 等写法，统一为 0-100。
func coerceConfidence(v gjson.Result) (float64, error) {
	if !v.Exists() {
		return 0, fmt.Errorf("confidence missing")
	}
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Float()
	case gjson.String:
		s := strings.TrimSpace(v.String())
		pct := strings.HasSuffix(s, "%")
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("confidence %q not numeric", s)
		}
		f = parsed
		if pct {
			return clampConfidence(f), nil
		}
	default:
		return 0, fmt.Errorf("confidence has type %s", v.Type)
	}
	if f > 0 && f <= 1 {
		f *= 100
	}
	return clampConfidence(f), nil
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 100)
}
