package staging

import "fmt"

// OwnerKey names the entity a population run belongs to, e.g. "list:7".
func OwnerKey(entity string, id any) string {
	return fmt.Sprintf("%s:%v", entity, id)
}

// Key is the staging buffer hash of an owner.
func Key(owner string) string {
	return owner + ":population"
}

func readyKey(owner string) string    { return Key(owner) + ":ready" }
func totalKey(owner string) string    { return Key(owner) + ":total" }
func completeKey(owner string) string { return Key(owner) + ":complete" }
