package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Intensity controls how hard a title is toned down.
type Intensity string

const (
	IntensityMild   Intensity = "mild"
	IntensityNormal Intensity = "normal"
	IntensityBrutal Intensity = "brutal"
)

// Languages the prompt supports.
var Languages = []string{"en", "zh", "ja", "de", "fr", "ko", "es"}

// ParseIntensity validates s, defaulting to normal when empty.
func ParseIntensity(s string) (Intensity, bool) {
	switch Intensity(s) {
	case "":
		return IntensityNormal, true
	case IntensityMild, IntensityNormal, IntensityBrutal:
		return Intensity(s), true
	}
	return "", false
}

// ParseLanguage validates s, defaulting to en when empty.
func ParseLanguage(s string) (string, bool) {
	if s == "" {
		return "en", true
	}
	for _, l := range Languages {
		if l == s {
			return s, true
		}
	}
	return "", false
}

var intensityEN = map[Intensity]string{
	IntensityMild:   "gentle downgrade, still somewhat positive",
	IntensityNormal: "normal downgrade, just say it plainly",
	IntensityBrutal: "brutal downgrade, extremely mundane, borderline depressing",
}

var intensityZH = map[Intensity]string{
	IntensityMild:   "温和降级，保留一点体面",
	IntensityNormal: "正常降级，说人话",
	IntensityBrutal: "暴力降级，极度平淡，甚至有点丧",
}

// BuildPrompt renders the instruction for one title. English gets the English
// prompt; every other language uses the Chinese one.
func BuildPrompt(title string, intensity Intensity, language string) string {
	if language == "en" {
		return fmt.Sprintf(`You are a title downgrader. Take exaggerated, clickbait, or marketing titles and rewrite them to be plain, honest, and mundane.

Intensity: %s

Exaggerated title: "%s"

Respond in this EXACT JSON format (no markdown, no code blocks):
{"downgraded": "the plain version", "hype_score": 7}

hype_score = how exaggerated the original is (1=normal, 10=absurdly hyped).
Make the downgraded version funny by being aggressively ordinary.`, intensityEN[intensity], title)
	}
	return fmt.Sprintf(`你是一个标题降级器。把夸张的标题/营销文案/点击诱饵还原成平实、诚实、甚至有点无聊的描述。

降级强度：%s

夸张标题："%s"

请严格按以下 JSON 格式回答（不要 markdown，不要代码块）：
{"downgraded": "平实版本", "hype_score": 7}

hype_score = 原标题的夸张程度（1=正常, 10=极度夸张）。
降级版本要通过极度平淡来制造反差幽默。`, intensityZH[intensity], title)
}

// Result is a parsed model reply.
type Result struct {
	Downgraded string `json:"downgraded"`
	HypeScore  int    `json:"hype_score"`
}

// ErrUnparseable is returned when the reply has neither valid JSON nor the
// expected fields.
var ErrUnparseable = errors.New("unparseable llm reply")

var (
	fenceOpen    = regexp.MustCompile("^```(?:json)?\\s*")
	fenceClose   = regexp.MustCompile("\\s*```$")
	downgradedRe = regexp.MustCompile(`"downgraded"\s*:\s*"([^"]*(?:\\.[^"]*)*)"`)
	hypeScoreRe  = regexp.MustCompile(`"hype_score"\s*:\s*(\d+)`)
)

// ParseResponse extracts the downgraded title and hype score. It tolerates
// code fences and falls back to field matching when the JSON is malformed.
// The score is clamped to 1..10.
func ParseResponse(text string) (Result, error) {
	text = strings.TrimSpace(text)
	text = fenceOpen.ReplaceAllString(text, "")
	text = fenceClose.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err == nil {
		var res Result
		d, okD := raw["downgraded"]
		h, okH := raw["hype_score"]
		if okD && okH && json.Unmarshal(d, &res.Downgraded) == nil {
			var score float64
			if json.Unmarshal(h, &score) == nil {
				res.HypeScore = clamp(int(score))
				return res, nil
			}
		}
	}

	dm := downgradedRe.FindStringSubmatch(text)
	sm := hypeScoreRe.FindStringSubmatch(text)
	if dm != nil && sm != nil {
		score, _ := strconv.Atoi(sm[1])
		return Result{
			Downgraded: strings.ReplaceAll(dm[1], `\"`, `"`),
			HypeScore:  clamp(score),
		}, nil
	}

	if len(text) > 200 {
		text = text[:200]
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnparseable, text)
}

func clamp(score int) int {
	return max(1, min(10, score))
}

// Downgrader turns a hyped title into a plain one.
type Downgrader struct {
	client *Client
}

func NewDowngrader(client *Client) *Downgrader {
	return &Downgrader{client: client}
}

// Downgrade runs one transformation.
func (d *Downgrader) Downgrade(ctx context.Context, title string, intensity Intensity, language string) (Result, error) {
	reply, err := d.client.Complete(ctx, BuildPrompt(title, intensity, language))
	if err != nil {
		return Result{}, err
	}
	return ParseResponse(reply)
}
