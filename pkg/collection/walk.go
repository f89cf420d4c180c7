package collection

// WalkFunc is called once per item during a Walk, with the plain
// slash-joined path (no "folder:"/"request:" prefix) and the ancestor
// chain from the collection root (exclusive of the item itself).
type WalkFunc func(item *Item, path string, ancestors []*Item) bool

// Walk performs a pre-order traversal of the collection's items,
// visiting folders before their children. Returning false from fn
// prunes that subtree (its children are not visited) but sibling
// traversal continues.
func Walk(items []Item, fn WalkFunc) {
	walk(items, "", nil, fn)
}

func walk(items []Item, parentPath string, ancestors []*Item, fn WalkFunc) {
	for i := range items {
		item := &items[i]
		path := item.Name
		if parentPath != "" {
			path = parentPath + "/" + item.Name
		}
		if !fn(item, path, ancestors) {
			continue
		}
		if item.Kind == KindFolder && item.Folder != nil {
			walk(item.Folder.Items, path, append(append([]*Item{}, ancestors...), item), fn)
		}
	}
}

// FindByID locates an item anywhere in the tree by its id, returning
// the item and its ancestor chain (root-to-parent order).
func FindByID(items []Item, id string) (*Item, []*Item, bool) {
	var found *Item
	var foundAncestors []*Item
	Walk(items, func(item *Item, _ string, ancestors []*Item) bool {
		if found != nil {
			return false
		}
		if item.ID == id {
			found = item
			foundAncestors = ancestors
			return false
		}
		return true
	})
	return found, foundAncestors, found != nil
}

// EffectiveAuth walks from an item up through its ancestors (nearest
// first) and then the collection, returning the first auth whose type
// is not "inherit". A "none" auth (or falling off the top with nothing
// else found) means "no auth".
func EffectiveAuth(coll *Collection, item *Item, ancestors []*Item) *Auth {
	chain := make([]*Auth, 0, len(ancestors)+2)
	if item.Kind == KindRequest && item.Request != nil {
		chain = append(chain, item.Request.Auth)
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		if a.Kind == KindFolder && a.Folder != nil {
			chain = append(chain, a.Folder.Auth)
		}
	}
	chain = append(chain, coll.Auth)

	for _, a := range chain {
		if a.EffectiveType() != AuthInherit {
			return a
		}
	}
	return nil
}
