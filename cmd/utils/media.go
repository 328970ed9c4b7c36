package utils

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxMediaSize = 50 << 20 // 50 MB
	MediaPath    = "uploads/media"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

var videoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
	".mkv": true,
}

// MediaTypeForFilename classifies an upload as image or video by extension.
// Returns an empty string for unsupported types.
func MediaTypeForFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if imageExtensions[ext] {
		return "image"
	}
	if videoExtensions[ext] {
		return "video"
	}
	return ""
}

// SaveMedia saves an uploaded image or video and returns its URL path.
func SaveMedia(file multipart.File, header *multipart.FileHeader) (string, error) {
	if header.Size > MaxMediaSize {
		return "", fmt.Errorf("file size exceeds maximum limit of %d MB", MaxMediaSize/(1<<20))
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if MediaTypeForFilename(header.Filename) == "" {
		return "", fmt.Errorf("invalid file type: %s", ext)
	}

	if err := os.MkdirAll(MediaPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %v", err)
	}

	filename := fmt.Sprintf("%s-%s%s",
		time.Now().Format("20060102"),
		uuid.New().String(),
		ext,
	)
	filePath := filepath.Join(MediaPath, filename)

	dst, err := os.Create(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %v", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		return "", fmt.Errorf("failed to save file: %v", err)
	}

	return fmt.Sprintf("/media/%s", filename), nil
}

func DeleteMedia(mediaURL string) error {

	filename := filepath.Base(mediaURL)
	filePath := filepath.Join(MediaPath, filename)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}

	return os.Remove(filePath)
}
