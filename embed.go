package ensyswidget

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering the chat page. The templates are
// organized in a directory structure that separates layouts, pages, and partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded static assets, the page script, the stylesheet and the bot logo.
//
//go:embed static/*
var StaticFS embed.FS
