package reconcile

import (
	"regexp"
	"sort"
	"strings"
)

var hashtagPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&#])#([\p{L}\p{N}_]+)`)

// DeriveTags extracts #hashtags from a description. Tags are lowercased,
// de-duplicated and sorted. Pure digits are ignored since they are almost
// always ordinals ("lap #3").
func DeriveTags(description string) []string {
	matches := hashtagPattern.FindAllStringSubmatch(description, -1)
	if len(matches) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		tag := strings.ToLower(m[1])
		if strings.Trim(tag, "0123456789") == "" {
			continue
		}
		set[tag] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}

	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
