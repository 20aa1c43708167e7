package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/store"
)

// contractNames maps an anchored kind to the name used in the contract's
// method and event identifiers. RELEASE anchors under the contract's
// "Receipt" family. USER and RESIDENT have no on-chain methods and are
// anchored in the ledger only.
var contractNames = map[store.Kind]string{
	store.KindMedicine: "Medicine",
	store.KindStock:    "Stock",
	store.KindRelease:  "Receipt",
	store.KindRemoval:  "Removal",
}

// MethodFor returns the contract method for (kind, action). This table is
// the only sanctioned coupling between kinds and contract methods.
func MethodFor(kind store.Kind, action store.Action) (string, error) {
	name, ok := contractNames[kind]
	if !ok {
		return "", errors.Newf(errors.CodeNotFound, "kind %s has no contract methods", kind)
	}
	switch action {
	case store.ActionStore:
		return "store" + name + "Hash", nil
	case store.ActionUpdate:
		return "update" + name + "Hash", nil
	case store.ActionDelete:
		return "delete" + name + "Hash", nil
	}
	return "", errors.Newf(errors.CodeInternal, "unknown action %s", action)
}

// EventFor returns the contract event emitted by (kind, action).
func EventFor(kind store.Kind, action store.Action) (string, error) {
	name, ok := contractNames[kind]
	if !ok {
		return "", errors.Newf(errors.CodeNotFound, "kind %s has no contract events", kind)
	}
	switch action {
	case store.ActionStore:
		return name + "HashStored", nil
	case store.ActionUpdate:
		return name + "HashUpdated", nil
	case store.ActionDelete:
		return name + "HashDeleted", nil
	}
	return "", errors.Newf(errors.CodeInternal, "unknown action %s", action)
}

// GetterFor returns the view method reading (hash, addedBy, timestamp,
// exists) for a kind.
func GetterFor(kind store.Kind) (string, error) {
	name, ok := contractNames[kind]
	if !ok {
		return "", errors.Newf(errors.CodeNotFound, "kind %s has no contract getter", kind)
	}
	return "get" + name + "Hash", nil
}

// EventNames lists every anchoring event the ingester tails, one worker
// per name.
func EventNames() []string {
	names := make([]string, 0, len(contractNames)*3)
	for _, kind := range []store.Kind{store.KindMedicine, store.KindStock, store.KindRelease, store.KindRemoval} {
		base := contractNames[kind]
		names = append(names, base+"HashStored", base+"HashUpdated", base+"HashDeleted")
	}
	return names
}

// kindForEvent reverses the event naming back to (kind, action).
func kindForEvent(eventName string) (store.Kind, store.Action, bool) {
	for kind, base := range contractNames {
		switch eventName {
		case base + "HashStored":
			return kind, store.ActionStore, true
		case base + "HashUpdated":
			return kind, store.ActionUpdate, true
		case base + "HashDeleted":
			return kind, store.ActionDelete, true
		}
	}
	return "", "", false
}

// contractABI is assembled from per-kind fragments; the surface is
// identical for each of the four anchored families.
var contractABI abi.ABI

func init() {
	var fragments []string
	for _, name := range []string{"Medicine", "Stock", "Receipt", "Removal"} {
		fragments = append(fragments,
			fmt.Sprintf(`{"type":"function","name":"store%sHash","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"},{"name":"hash","type":"bytes32"}],"outputs":[]}`, name),
			fmt.Sprintf(`{"type":"function","name":"update%sHash","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"},{"name":"newHash","type":"bytes32"}],"outputs":[]}`, name),
			fmt.Sprintf(`{"type":"function","name":"delete%sHash","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]}`, name),
			fmt.Sprintf(`{"type":"function","name":"get%sHash","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"},{"name":"","type":"address"},{"name":"","type":"uint256"},{"name":"","type":"bool"}]}`, name),
			fmt.Sprintf(`{"type":"function","name":"verify%sHash","stateMutability":"view","inputs":[{"name":"id","type":"uint256"},{"name":"hash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}`, name),
			fmt.Sprintf(`{"type":"function","name":"get%sCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}`, name),
			fmt.Sprintf(`{"type":"event","name":"%sHashStored","inputs":[{"name":"id","type":"uint256","indexed":true},{"name":"dataHash","type":"bytes32","indexed":false},{"name":"addedBy","type":"address","indexed":true},{"name":"timestamp","type":"uint256","indexed":false}]}`, name),
			fmt.Sprintf(`{"type":"event","name":"%sHashUpdated","inputs":[{"name":"id","type":"uint256","indexed":true},{"name":"oldHash","type":"bytes32","indexed":false},{"name":"newHash","type":"bytes32","indexed":false},{"name":"updatedBy","type":"address","indexed":true},{"name":"timestamp","type":"uint256","indexed":false}]}`, name),
			fmt.Sprintf(`{"type":"event","name":"%sHashDeleted","inputs":[{"name":"id","type":"uint256","indexed":true},{"name":"deletedBy","type":"address","indexed":true},{"name":"timestamp","type":"uint256","indexed":false}]}`, name),
		)
	}

	parsed, err := abi.JSON(strings.NewReader("[" + strings.Join(fragments, ",") + "]"))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded contract ABI: %v", err))
	}
	contractABI = parsed
}

// ContractABI exposes the parsed anchoring contract ABI.
func ContractABI() abi.ABI {
	return contractABI
}
