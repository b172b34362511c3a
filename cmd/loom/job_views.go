package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"loom/internal/api"
)

func buildJobStatusRows(stats map[string]int) [][]string {
	if len(stats) == 0 {
		return nil
	}
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{formatStatusLabel(key), fmt.Sprintf("%d", stats[key])})
	}
	return rows
}

func buildJobListRows(items []api.Job) [][]string {
	if len(items) == 0 {
		return nil
	}
	sorted := make([]api.Job, len(items))
	copy(sorted, items)

	sort.Slice(sorted, func(i, j int) bool {
		ti := parseJobTime(sorted[i].CreatedAt)
		tj := parseJobTime(sorted[j].CreatedAt)
		if ti.Equal(tj) {
			return sorted[i].ID > sorted[j].ID
		}
		return ti.After(tj)
	})

	rows := make([][]string, 0, len(sorted))
	for _, item := range sorted {
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = strings.TrimSpace(item.Topic)
		}
		if title == "" {
			title = "Untitled"
		}
		status := formatStatusLabel(item.Status)
		if item.Paused {
			status += " (paused)"
		}
		rows = append(rows, []string{
			shortJobID(item.ID),
			title,
			item.Topic,
			status,
			formatStatusLabel(item.Priority),
			formatDisplayTime(item.CreatedAt),
		})
	}
	return rows
}

func buildStageRows(stages []api.StageResult) [][]string {
	if len(stages) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(stages))
	for _, stage := range stages {
		attempts := fmt.Sprintf("%d/%d", stage.Attempt, stage.MaxAttempts)
		detail := strings.TrimSpace(stage.Error)
		if detail == "" {
			detail = strings.TrimSpace(stage.ResultRef)
		}
		rows = append(rows, []string{
			stage.Stage,
			formatStatusLabel(stage.Status),
			attempts,
			formatDisplayTime(stage.NextRetryAt),
			truncateDetail(detail, 60),
		})
	}
	return rows
}

func buildDeadLetterRows(letters []api.DeadLetter) [][]string {
	if len(letters) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(letters))
	for _, letter := range letters {
		rows = append(rows, []string{
			letter.Stage,
			fmt.Sprintf("%d", letter.Attempts),
			yesNo(letter.Critical),
			formatDisplayTime(letter.CreatedAt),
			truncateDetail(letter.Error, 60),
		})
	}
	return rows
}

func shortJobID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateDetail(value string, limit int) string {
	value = strings.TrimSpace(value)
	if limit <= 3 || len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}

func formatStatusLabel(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	parts := strings.Split(status, "_")
	for i, part := range parts {
		lower := strings.ToLower(part)
		if lower == "" {
			continue
		}
		parts[i] = strings.ToUpper(lower[:1]) + lower[1:]
	}
	return strings.Join(parts, " ")
}

func formatDisplayTime(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC().Format("2006-01-02 15:04")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC().Format("2006-01-02 15:04")
	}
	return value
}

func parseJobTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
