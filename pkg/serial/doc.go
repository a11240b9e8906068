// Package serial issues and verifies quarter serial numbers.
//
// A raw serial is twelve ASCII digits:
//
//	QQ SSSSSSS AA C
//
//	QQ       quarter index, 1-based from the epoch's calendar quarter
//	SSSSSSS  whole seconds elapsed since the start of that quarter
//	AA       caller supplied disambiguator (0..99)
//	C        Luhn check digit over the eleven digits before it
//
// For display the digits are grouped in fours (XXXX-XXXX-XXXX). Parsing
// discards every character that is not an ASCII digit, so separators,
// whitespace and stray symbols never affect the result.
//
// A Codec is immutable and safe for concurrent use. It never reads the clock
// and never generates randomness: callers pass the instant and the
// disambiguator, which keeps a batch of serials consistent and deterministic.
package serial
