// Package filter implements the Request Filter (spec.md §4.I): a
// regex-driven subset selection over a collection tree, with dependsOn
// closure and empty-folder pruning.
package filter

import (
	"regexp"

	"github.com/blackcoderx/runlet/pkg/collection"
)

// Options configures one filter pass. Pattern may be empty, meaning
// "no filter" (everything kept).
type Options struct {
	Pattern     string
	ExcludeDeps bool
}

// Apply returns a pruned copy of items: folder paths matching Pattern
// pull in all descendant requests; request paths matching Pattern
// include that request. Unless ExcludeDeps is set, the transitive
// dependsOn closure is added to the kept set. Folders left with no
// kept descendants are dropped entirely so their scripts never run.
func Apply(items []collection.Item, opts Options) []collection.Item {
	if opts.Pattern == "" {
		return items
	}

	re, err := regexp.Compile(opts.Pattern)
	if err != nil {
		// An invalid filter regex applies no filter (log-and-continue
		// per spec.md §4.I); the caller's logger records this, not us.
		return items
	}

	kept := map[string]bool{}
	byID := map[string]*collection.Item{}
	collection.Walk(items, func(item *collection.Item, path string, _ []*collection.Item) bool {
		byID[item.ID] = item
		matched := re.MatchString(path)
		if matched {
			markSubtree(item, kept)
		}
		return true
	})

	if !opts.ExcludeDeps {
		closeDependsOn(items, kept, byID)
	}

	return pruneEmpty(items, kept)
}

func markSubtree(item *collection.Item, kept map[string]bool) {
	kept[item.ID] = true
	if item.Kind == collection.KindFolder && item.Folder != nil {
		for i := range item.Folder.Items {
			markSubtree(&item.Folder.Items[i], kept)
		}
	}
}

func closeDependsOn(items []collection.Item, kept map[string]bool, byID map[string]*collection.Item) {
	changed := true
	for changed {
		changed = false
		collection.Walk(items, func(item *collection.Item, _ string, _ []*collection.Item) bool {
			if !kept[item.ID] {
				return true
			}
			for _, dep := range item.DependsOn {
				if !kept[dep] {
					kept[dep] = true
					changed = true
				}
			}
			return true
		})
	}
}

// pruneEmpty returns a new tree keeping only items in kept, dropping
// folders whose entire descendant set was filtered out.
func pruneEmpty(items []collection.Item, kept map[string]bool) []collection.Item {
	var out []collection.Item
	for i := range items {
		item := items[i]
		if item.Kind == collection.KindFolder && item.Folder != nil {
			children := pruneEmpty(item.Folder.Items, kept)
			if len(children) == 0 {
				continue
			}
			folderCopy := *item.Folder
			folderCopy.Items = children
			item.Folder = &folderCopy
			out = append(out, item)
			continue
		}
		if kept[item.ID] {
			out = append(out, item)
		}
	}
	return out
}
