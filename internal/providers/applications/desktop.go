package applications

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one installed application from a .desktop file.
type Entry struct {
	ID       string // desktop file id, e.g. "org.gnome.Nautilus.desktop"
	Name     string
	Icon     string
	Exec     string
	Path     string
	System   bool
	Hidden   bool
	Terminal bool
}

// ParseDesktopFile reads the [Desktop Entry] group of a desktop file. Only
// unlocalised keys are used.
func ParseDesktopFile(r io.Reader) (Entry, error) {
	var e Entry
	var inEntry, isApp, sawGroup bool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inEntry = line == "[Desktop Entry]"
			sawGroup = sawGroup || inEntry
			continue
		}
		if !inEntry {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "Type":
			isApp = value == "Application"
		case "Name":
			e.Name = value
		case "Icon":
			e.Icon = value
		case "Exec":
			e.Exec = value
		case "NoDisplay", "Hidden":
			e.Hidden = e.Hidden || value == "true"
		case "Terminal":
			e.Terminal = value == "true"
		}
	}
	if err := scanner.Err(); err != nil {
		return e, err
	}

	if !sawGroup {
		return e, fmt.Errorf("no [Desktop Entry] group")
	}
	if !isApp {
		return e, fmt.Errorf("not an application entry")
	}
	if e.Name == "" {
		return e, fmt.Errorf("missing Name")
	}
	return e, nil
}

// desktopID derives the desktop file id from a path relative to its
// applications directory: subdirectory separators become dashes.
func desktopID(rel string) string {
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "-")
}

// Scan reads every desktop file under dirs. dirs are in precedence order:
// the first directory to provide an id wins. Entries from any directory but
// the first are marked as system applications. Hidden entries shadow
// lower-precedence ones but are not returned.
func Scan(dirs []string) ([]Entry, error) {
	seen := make(map[string]bool)
	var out []Entry

	for i, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == dir {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !strings.HasSuffix(path, ".desktop") {
				return nil
			}

			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return nil
			}
			id := desktopID(rel)
			if seen[id] {
				return nil
			}

			f, err := os.Open(path)
			if err != nil {
				return nil
			}
			e, perr := ParseDesktopFile(f)
			_ = f.Close()
			if perr != nil {
				return nil
			}

			seen[id] = true
			if e.Hidden {
				return nil
			}
			e.ID = id
			e.Path = path
			e.System = i > 0
			out = append(out, e)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
	}

	sort.Slice(out, func(a, b int) bool {
		na, nb := strings.ToLower(out[a].Name), strings.ToLower(out[b].Name)
		if na != nb {
			return na < nb
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

var iconSizes = []string{"scalable", "512x512", "256x256", "128x128", "96x96", "64x64", "48x48", "32x32"}
var iconExts = []string{".svg", ".png", ".xpm"}

// ResolveIcon finds the file for an icon name in the hicolor theme under
// each of iconDirs, falling back to a flat pixmaps layout. Absolute icon
// values are returned as-is when they exist.
func ResolveIcon(icon string, iconDirs []string) (string, bool) {
	if icon == "" {
		return "", false
	}
	if filepath.IsAbs(icon) {
		if _, err := os.Stat(icon); err == nil {
			return icon, true
		}
		return "", false
	}

	for _, base := range iconDirs {
		for _, size := range iconSizes {
			for _, ext := range iconExts {
				p := filepath.Join(base, "hicolor", size, "apps", icon+ext)
				if _, err := os.Stat(p); err == nil {
					return p, true
				}
			}
		}
		for _, ext := range iconExts {
			p := filepath.Join(base, icon+ext)
			if _, err := os.Stat(p); err == nil {
				return p, true
			}
		}
	}
	return "", false
}
