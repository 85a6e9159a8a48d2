// Package htmlconv post-processes markup extracted from pages: conversion
// to markdown and sanitisation. Both transformations run on the host after
// the in-page procedure returned.
package htmlconv

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

var (
	mdConverter = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	ugcPolicy = bluemonday.UGCPolicy()
)

// Markdown converts an HTML fragment to markdown. On conversion failure or
// empty output it returns the input unchanged.
func Markdown(html string) string {
	if strings.TrimSpace(html) == "" {
		return html
	}
	md, err := mdConverter.ConvertString(html)
	if err != nil || strings.TrimSpace(md) == "" {
		return html
	}
	return strings.TrimSpace(md)
}

// Sanitize strips scripts, event handlers and other unsafe markup while
// keeping formatting tags (bluemonday UGC policy).
func Sanitize(html string) string {
	return ugcPolicy.Sanitize(html)
}
