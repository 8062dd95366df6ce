// Package api exposes the REST surface for agents, wallets and transaction
// history. Every transaction endpoint answers with the terminal record
// produced by the lifecycle engine, including guardrail denials.
package api
