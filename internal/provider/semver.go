package provider

import (
	"fmt"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/boardbuilder/internal/errors"
)

// NextSemver computes the next release tag from the latest tag and the head
// commit message. Bump rules, checked in order:
//
//	[major] or BREAKING CHANGE anywhere in the message  -> major
//	[minor] anywhere, or message starts with "feat:"    -> minor
//	otherwise                                           -> patch
//
// latestTag may carry a leading "v"; the result always does. An empty
// latestTag starts from v0.0.0.
func NextSemver(latestTag, commitMessage string) (string, error) {
	major, minor, patch := 0, 0, 0
	if latestTag != "" {
		var err error
		major, minor, patch, err = parseSemver(latestTag)
		if err != nil {
			return "", err
		}
	}

	switch {
	case strings.Contains(commitMessage, "[major]") || strings.Contains(commitMessage, "BREAKING CHANGE"):
		major, minor, patch = major+1, 0, 0
	case strings.Contains(commitMessage, "[minor]") || strings.HasPrefix(commitMessage, "feat:"):
		minor, patch = minor+1, 0
	default:
		patch++
	}
	return fmt.Sprintf("v%d.%d.%d", major, minor, patch), nil
}

func parseSemver(tag string) (major, minor, patch int, err error) {
	raw := strings.TrimPrefix(strings.TrimSpace(tag), "v")
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, errors.New(errors.CategoryProvider, errors.SeverityError,
			fmt.Sprintf("tag %q is not MAJOR.MINOR.PATCH", tag))
	}
	nums := make([]int, 3)
	for i, p := range parts {
		// Tolerate pre-release/build suffixes on the patch component.
		if i == 2 {
			if cut, _, found := strings.Cut(p, "-"); found {
				p = cut
			}
			if cut, _, found := strings.Cut(p, "+"); found {
				p = cut
			}
		}
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 0 {
			return 0, 0, 0, errors.New(errors.CategoryProvider, errors.SeverityError,
				fmt.Sprintf("tag %q has non-numeric component %q", tag, p))
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
