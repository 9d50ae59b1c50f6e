package crdt_test

import (
	"encoding/json"
	"fmt"

	"github.com/loreweave/loresync/internal/crdt"
)

// Two replicas converge by exchanging updates; later writes win.
func Example() {
	alice := crdt.NewMergeMap()
	bob := crdt.NewMergeMap()

	// Ship every update alice produces to bob.
	alice.OnUpdate(func(update []byte, origin crdt.Origin) {
		if origin == crdt.OriginLocal {
			_ = bob.ApplyRemote(update)
		}
	})

	_ = alice.Set("name", json.RawMessage(`"Rivendell"`))
	_ = alice.Set("kind", json.RawMessage(`"location"`))

	name, _ := bob.Get("name")
	kind, _ := bob.Get("kind")
	fmt.Println(string(name), string(kind))
	// Output: "Rivendell" "location"
}
