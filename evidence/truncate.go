package evidence

// MaxPersistBytes caps the marshaled document size persisted on a link.
const MaxPersistBytes = 500 << 10

// Truncation step names, recorded in the order applied.
const (
	StepCandidatesTop5    = "CANDIDATES_TRIMMED_TO_5"
	StepCandidatesDropped = "CANDIDATES_DROPPED"
	StepNormErrorsTrimmed = "NORMALIZATION_ERRORS_TRIMMED_TO_3"
	StepTitleTruncated    = "TITLE_TRUNCATED"
)

const truncatedTitleLen = 100

// Truncate applies the progressive ladder until the document fits under
// MaxPersistBytes, re-measuring after every step and recording each step
// taken. It is pure: the input is never modified.
func Truncate(d Document) Document {
	if len(d.Marshal()) <= MaxPersistBytes {
		return d
	}
	d.Truncated = true

	var ladder = []struct {
		name  string
		apply func(*Document) bool
	}{
		{StepCandidatesTop5, func(d *Document) bool {
			if len(d.Candidates) <= 5 {
				return false
			}
			d.Candidates = d.Candidates[:5]
			return true
		}},
		{StepCandidatesDropped, func(d *Document) bool {
			if len(d.Candidates) == 0 {
				return false
			}
			d.Candidates = nil
			return true
		}},
		{StepNormErrorsTrimmed, func(d *Document) bool {
			if len(d.NormalizationErrors) <= 3 {
				return false
			}
			d.NormalizationErrors = d.NormalizationErrors[:3]
			return true
		}},
		{StepTitleTruncated, func(d *Document) bool {
			// Normalized titles are ASCII, so byte slicing is safe.
			if len(d.InputNormalized.Title) <= truncatedTitleLen {
				return false
			}
			d.InputNormalized.Title = d.InputNormalized.Title[:truncatedTitleLen] + "..."
			return true
		}},
	}
	for _, step := range ladder {
		if !step.apply(&d) {
			continue
		}
		d.TruncationSteps = append(d.TruncationSteps, step.name)
		if len(d.Marshal()) <= MaxPersistBytes {
			break
		}
	}
	return d
}
