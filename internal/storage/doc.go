// Package storage is the bot's small persistence layer:
//   - an append-only audit log of generate/check requests (counts and
//     outcomes only, never the serial numbers themselves)
//   - dedup marks that survive restarts, e.g. "quarter 4 already announced"
package storage
