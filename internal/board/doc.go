// Package board keeps a human-readable markdown log of the conversation.
//
// Every chat message the gateway accepts is appended as a heading with the
// author, role, perspective and time, followed by the text. Render converts the
// file to HTML with goldmark (GitHub-flavoured markdown, raw HTML suppressed)
// for the admin /board endpoint.
//
// The board is an audit artefact for operators. Agents never receive it.
package board
