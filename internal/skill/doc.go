// Package skill holds the name-keyed table of capabilities an agent may
// invoke, their parameter schemas, and the dispatch boundary that turns
// every skill failure into an outcome string.
package skill
