package service

import (
	"regexp"
	"strings"
	"time"
)

var forbiddenFileNameChars = regexp.MustCompile(`[\\/:*?"<>|]`)

func sanitizeFileName(s string) string {
	return strings.Join(strings.Fields(forbiddenFileNameChars.ReplaceAllString(s, "")), " ")
}

// DownloadFileName builds "<author> <title> <YYYY-MM-DD HHMMSS>.mp4" in local time.
func DownloadFileName(author, title string, createdAt time.Time) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{sanitizeFileName(author), sanitizeFileName(title)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, createdAt.Local().Format("2006-01-02 150405"))
	return strings.Join(parts, " ") + ".mp4"
}
