package workflow

import (
	"context"

	"loom/internal/jobs"
	"loom/internal/logging"
	"loom/internal/textutil"
)

// nearDuplicateThreshold is the TF-IDF cosine similarity above which a
// submitted topic is reported as a likely resubmission.
const nearDuplicateThreshold = 0.85

// noteTopicSimilarity compares a submitted topic against the topics of other
// active jobs and warns when one looks like a double submission. Advisory
// only; the job runs either way.
func (m *Manager) noteTopicSimilarity(ctx context.Context, job *jobs.Job) {
	submitted := textutil.NewFingerprint(job.Topic)
	if submitted == nil {
		return
	}
	active, err := m.store.ActiveJobs(ctx)
	if err != nil {
		m.logger.Debug("topic similarity scan skipped",
			logging.Error(err))
		return
	}
	others := make(map[string]*textutil.Fingerprint, len(active))
	for _, other := range active {
		if other.ID == job.ID {
			continue
		}
		if fp := textutil.NewFingerprint(other.Topic); fp != nil {
			others[other.ID] = fp
		}
	}
	if len(others) == 0 {
		return
	}

	matchID, score := closestTopic(submitted, others)
	duplicate := score >= nearDuplicateThreshold
	m.logger.Debug("topic similarity checked",
		logging.String(logging.FieldEventType, "topic_similarity_checked"),
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("topic_tokens", submitted.TokenCount()),
		logging.Int("active_compared", len(others)),
		logging.Float64("best_similarity", score),
		logging.String("decision_result", textutil.Ternary(duplicate, "near_duplicate", "distinct")))
	if duplicate {
		m.logger.Warn("topic closely matches an active job",
			logging.String(logging.FieldEventType, "topic_near_duplicate"),
			logging.String(logging.FieldJobID, job.ID),
			logging.String("matched_job_id", matchID),
			logging.Float64("similarity", score))
	}
}

// closestTopic returns the candidate with the highest TF-IDF cosine
// similarity to the submitted fingerprint. Document frequencies come from
// the submitted topic plus all candidates, so terms shared across every
// topic carry less weight than distinctive ones.
func closestTopic(submitted *textutil.Fingerprint, candidates map[string]*textutil.Fingerprint) (string, float64) {
	corpus := textutil.NewCorpus()
	corpus.Add(submitted)
	for _, fp := range candidates {
		corpus.Add(fp)
	}
	idf := corpus.IDF()
	weighted := submitted.WithIDF(idf)

	var bestID string
	var bestScore float64
	for id, fp := range candidates {
		if score := textutil.CosineSimilarity(weighted, fp.WithIDF(idf)); score > bestScore {
			bestID, bestScore = id, score
		}
	}
	return bestID, bestScore
}
