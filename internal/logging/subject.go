package logging

import "strings"

// FormatSubject builds the queue/job/stage subject string used in console output.
func FormatSubject(queue, jobID, stage string) string {
	queue = strings.TrimSpace(queue)
	jobID = strings.TrimSpace(jobID)
	stage = strings.TrimSpace(stage)
	parts := make([]string, 0, 3)
	if queue != "" {
		var formattedQueue string
		if len(queue) > 1 {
			formattedQueue = strings.ToUpper(queue[:1]) + strings.ToLower(queue[1:])
		} else {
			formattedQueue = strings.ToUpper(queue)
		}
		parts = append(parts, formattedQueue)
	}
	switch {
	case jobID != "" && stage != "":
		parts = append(parts, "Job "+shortID(jobID)+" ("+stage+")")
	case jobID != "":
		parts = append(parts, "Job "+shortID(jobID))
	case stage != "":
		parts = append(parts, stage)
	}
	return strings.Join(parts, " · ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
