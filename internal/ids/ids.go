// Package ids derives the deterministic identifiers the data model
// requires: signal fingerprints and trade UUIDs are pure functions of
// their inputs, never randomly generated, so that replays and retries
// collapse onto the same row.
package ids

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// TimestampBucketSeconds is the width of the bucket signal_id folds
// the event timestamp into, so that two notifications for the same
// (wallet, token, action) arriving a few seconds apart collide (and
// are caught by replay protection) rather than each taking a slot.
const TimestampBucketSeconds = 5

// SignalID computes the spec's (source_wallet, token, action,
// timestamp_bucket) fingerprint. sourceWallet and token are opaque
// on-chain addresses; action is "BUY" or "SELL".
func SignalID(sourceWallet, token []byte, action string, receivedAtUnix int64) string {
	bucket := receivedAtUnix / TimestampBucketSeconds

	buf := make([]byte, 0, len(sourceWallet)+len(token)+len(action)+8)
	buf = append(buf, sourceWallet...)
	buf = append(buf, token...)
	buf = append(buf, action...)
	var bucketBytes [8]byte
	binary.BigEndian.PutUint64(bucketBytes[:], uint64(bucket))
	buf = append(buf, bucketBytes[:]...)

	sum := crypto.Keccak256(buf)
	return hex.EncodeToString(sum)
}

// TradeUUID computes trade_uuid = H(signal_id ‖ strategy ‖ side), the
// invariant spec.md §3/A2 requires: a pure function of its three
// inputs, independent of wall-clock time or retry count.
func TradeUUID(signalID, strategy, side string) string {
	buf := fmt.Sprintf("%s|%s|%s", signalID, strategy, side)
	sum := crypto.Keccak256([]byte(buf))
	return hex.EncodeToString(sum)
}
