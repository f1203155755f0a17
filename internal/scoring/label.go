package scoring

// Label is the accessibility tier derived from a risk score.
type Label string

const (
	LabelAccessible         Label = "Accessible"
	LabelSomewhatAccessible Label = "Somewhat Accessible"
	LabelInaccessible       Label = "Inaccessible"
)

// Tier thresholds. The upper bound is exclusive for the Inaccessible tier and
// the lower bound is inclusive for the Somewhat Accessible tier, so both 0.4
// and 0.6 land in Somewhat Accessible.
const (
	SomewhatThreshold     = 0.4
	InaccessibleThreshold = 0.6
)

// Classify maps a risk score to its label. Higher scores are less accessible.
func Classify(score float64) Label {
	switch {
	case score > InaccessibleThreshold:
		return LabelInaccessible
	case score >= SomewhatThreshold:
		return LabelSomewhatAccessible
	default:
		return LabelAccessible
	}
}

// Result is the outcome of classifying one image.
type Result struct {
	Score float64 `json:"score"`
	Label Label   `json:"label"`
}

// NewResult clamps score and attaches its label.
func NewResult(score float64) Result {
	score = Clamp(score)
	return Result{Score: score, Label: Classify(score)}
}
