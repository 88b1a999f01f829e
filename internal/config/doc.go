// Package config loads, normalizes, and validates dropscribe's TOML
// configuration.
//
// The configuration is an explicit value handed to every component. Nothing
// in the application reads tool locations or model directories from the
// process environment at run time, and nothing writes to it; the only
// environment input is OPENAI_API_KEY, consulted once during Load when the
// file leaves cloud.api_key empty.
package config
