// Package tgui holds small helpers for chat-sized text: paging long lists
// and truncating user-supplied strings by rune.
package tgui
