// Package ignore implements matching of relative paths against a selective
// sync exclusion list (spec §3). Exclusion patterns use shell-glob syntax;
// a leading "!" negates a pattern, "/" anchors it to the folder root, and
// "#include other" pulls in another file's patterns in place.
package ignore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

var caches = make(map[string]MatcherCache)

// foldCase matches the case sensitivity of the filesystems these platforms
// normally run on, regardless of what filesystem is actually in use.
var foldCase = runtime.GOOS == "darwin" || runtime.GOOS == "windows"

type Pattern struct {
	match   glob.Glob
	text    string
	include bool
}

type Matcher struct {
	patterns   []Pattern
	oldMatches map[string]bool

	newMatches map[string]bool
	mut        sync.Mutex
}

type MatcherCache struct {
	patterns []Pattern
	matches  *map[string]bool
}

func Load(file string, cache bool) (*Matcher, error) {
	seen := make(map[string]bool)
	matcher, err := loadIgnoreFile(file, seen)
	if !cache || err != nil {
		return matcher, err
	}

	// Get the current cache object for the given file
	cached, ok := caches[file]
	if !ok || !patternsEqual(cached.patterns, matcher.patterns) {
		// Nothing in cache or a cache mismatch, create a new cache which will
		// store matches for the given set of patterns.
		// Initialize oldMatches to indicate that we are interested in
		// caching.
		matcher.oldMatches = make(map[string]bool)
		matcher.newMatches = make(map[string]bool)
		caches[file] = MatcherCache{
			patterns: matcher.patterns,
			matches:  &matcher.newMatches,
		}
		return matcher, nil
	}

	// Patterns haven't changed, so we can reuse the old matches, create a new
	// matches map and update the pointer. (This prevents the matches map from
	// growing indefinitely, as we only cache whatever we've matched in the
	// last iteration, rather than across runtime history.)
	matcher.oldMatches = *cached.matches
	matcher.newMatches = make(map[string]bool)
	cached.matches = &matcher.newMatches
	caches[file] = cached
	return matcher, nil
}

func Parse(r io.Reader, file string) (*Matcher, error) {
	seen := map[string]bool{
		file: true,
	}
	return parseIgnoreFile(r, file, seen)
}

func (m *Matcher) Match(file string) (result bool) {
	if len(m.patterns) == 0 {
		return false
	}

	// We have old matches map set, means we should do caching
	if m.oldMatches != nil {
		// Capture the result to the new matches regardless of who returns it
		defer func() {
			m.mut.Lock()
			m.newMatches[file] = result
			m.mut.Unlock()
		}()
		// Check perhaps we've seen this file before, and we already know
		// what the outcome is going to be.
		result, ok := m.oldMatches[file]
		if ok {
			return result
		}
	}

	candidate := file
	if foldCase {
		candidate = strings.ToLower(candidate)
	}
	for _, pattern := range m.patterns {
		if pattern.match.Match(candidate) {
			return pattern.include
		}
	}
	return false
}

func compile(pattern string) (glob.Glob, error) {
	if foldCase {
		pattern = strings.ToLower(pattern)
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q in exclusion file: %w", pattern, err)
	}
	return g, nil
}

func loadIgnoreFile(file string, seen map[string]bool) (*Matcher, error) {
	if seen[file] {
		return nil, fmt.Errorf("multiple include of exclusion file %q", file)
	}
	seen[file] = true

	fd, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	return parseIgnoreFile(fd, file, seen)
}

func parseIgnoreFile(fd io.Reader, currentFile string, seen map[string]bool) (*Matcher, error) {
	var exps Matcher

	addPattern := func(line string) error {
		include := true
		if strings.HasPrefix(line, "!") {
			line = line[1:]
			include = false
		}

		switch {
		case strings.HasPrefix(line, "/"):
			// Pattern is rooted in the current dir only
			exp, err := compile(line[1:])
			if err != nil {
				return err
			}
			exps.patterns = append(exps.patterns, Pattern{exp, line, include})
		case strings.HasPrefix(line, "**/"):
			// Add the pattern as is, and without **/ so it matches in current dir
			exp, err := compile(line)
			if err != nil {
				return err
			}
			exps.patterns = append(exps.patterns, Pattern{exp, line, include})

			exp, err = compile(line[3:])
			if err != nil {
				return err
			}
			exps.patterns = append(exps.patterns, Pattern{exp, line[3:], include})
		case strings.HasPrefix(line, "#include "):
			includeFile := filepath.Join(filepath.Dir(currentFile), line[len("#include "):])
			includes, err := loadIgnoreFile(includeFile, seen)
			if err != nil {
				return err
			}
			exps.patterns = append(exps.patterns, includes.patterns...)
		default:
			// Path name or pattern, add it so it matches files both in
			// current directory and subdirs.
			exp, err := compile(line)
			if err != nil {
				return err
			}
			exps.patterns = append(exps.patterns, Pattern{exp, line, include})

			exp, err = compile("**/" + line)
			if err != nil {
				return err
			}
			exps.patterns = append(exps.patterns, Pattern{exp, "**/" + line, include})
		}
		return nil
	}

	scanner := bufio.NewScanner(fd)
	var err error
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "//"):
			continue
		case strings.HasPrefix(line, "#"):
			err = addPattern(line)
		case strings.HasSuffix(line, "/**"):
			err = addPattern(line)
		case strings.HasSuffix(line, "/"):
			err = addPattern(line)
			if err == nil {
				err = addPattern(line + "**")
			}
		default:
			err = addPattern(line)
			if err == nil {
				err = addPattern(line + "/**")
			}
		}
		if err != nil {
			return nil, err
		}
	}

	return &exps, nil
}

func patternsEqual(a, b []Pattern) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].include != b[i].include || a[i].text != b[i].text {
			return false
		}
	}
	return true
}
