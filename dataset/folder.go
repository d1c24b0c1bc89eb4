// Package dataset turns a folder of labelled images into wavelet fan-out
// samples and serves them as shuffled batches.
package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DefaultExtensions are the image suffixes picked up by NewImageFolder.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp"}

// ImageFolder indexes root/<class>/<image> files. Classes are sorted by name
// and numbered from zero.
type ImageFolder struct {
	Root       string
	imagePaths []string
	labels     []int
	classNames []string
}

// NewImageFolder scans root. Matching is case-insensitive on the extension.
func NewImageFolder(root string, extensions []string) (*ImageFolder, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	wanted := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		wanted[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "list classes in %s", root)
	}

	f := &ImageFolder{Root: root}
	for _, e := range entries {
		if e.IsDir() {
			f.classNames = append(f.classNames, e.Name())
		}
	}
	sort.Strings(f.classNames)

	for label, class := range f.classNames {
		files, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, errors.Wrapf(err, "list images in class %s", class)
		}
		for _, file := range files {
			if file.IsDir() || !wanted[strings.ToLower(filepath.Ext(file.Name()))] {
				continue
			}
			f.imagePaths = append(f.imagePaths, filepath.Join(root, class, file.Name()))
			f.labels = append(f.labels, label)
		}
	}

	if len(f.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}
	return f, nil
}

// Len returns the number of images.
func (f *ImageFolder) Len() int { return len(f.imagePaths) }

// Item returns the path and label of image i.
func (f *ImageFolder) Item(i int) (string, int, error) {
	if i < 0 || i >= len(f.imagePaths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", i, len(f.imagePaths))
	}
	return f.imagePaths[i], f.labels[i], nil
}

// NumClasses returns the number of class directories.
func (f *ImageFolder) NumClasses() int { return len(f.classNames) }

// ClassNames returns class names indexed by label.
func (f *ImageFolder) ClassNames() []string { return f.classNames }

// ClassDistribution counts images per class.
func (f *ImageFolder) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(f.classNames))
	for _, label := range f.labels {
		dist[f.classNames[label]]++
	}
	return dist
}
