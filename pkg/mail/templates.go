// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Template is the campaign content before personalization. Subject and text
// bodies use text/template, the HTML body uses html/template; both carry the
// sprig function map.
type Template struct {
	Subject     string `json:"subject" validate:"required"`
	HTMLBody    string `json:"html_body,omitempty" validate:"required_without=TextBody"`
	TextBody    string `json:"text_body,omitempty" validate:"required_without=HTMLBody"`
	FromName    string `json:"from_name,omitempty"`
	FromAddress string `json:"from_address" validate:"required,email"`
}

// Size is the unrendered content size used for up-front quota estimates.
func (t Template) Size() int {
	return len(t.Subject) + len(t.HTMLBody) + len(t.TextBody)
}

// CompiledTemplate is a parsed Template, safe for concurrent Render calls.
type CompiledTemplate struct {
	src     Template
	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

// Compile validates and parses t.
func Compile(t Template) (*CompiledTemplate, error) {
	if err := validate.Struct(t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	c := &CompiledTemplate{src: t}
	var err error
	if c.subject, err = template.New("subject").Funcs(sprig.TxtFuncMap()).Parse(t.Subject); err != nil {
		return nil, fmt.Errorf("%w: subject: %v", ErrInvalidMessage, err)
	}
	if t.TextBody != "" {
		if c.text, err = template.New("text").Funcs(sprig.TxtFuncMap()).Parse(t.TextBody); err != nil {
			return nil, fmt.Errorf("%w: text body: %v", ErrInvalidMessage, err)
		}
	}
	if t.HTMLBody != "" {
		if c.html, err = htmltemplate.New("html").Funcs(sprig.HtmlFuncMap()).Parse(t.HTMLBody); err != nil {
			return nil, fmt.Errorf("%w: html body: %v", ErrInvalidMessage, err)
		}
	}
	return c, nil
}

// Source returns the template the compiled form was built from.
func (c *CompiledTemplate) Source() Template {
	return c.src
}

// TemplateData is what templates see: .Email, .Name and .Vars.
type TemplateData struct {
	Email string
	Name  string
	Vars  map[string]any
}

// Render personalizes the template for one recipient.
func (c *CompiledTemplate) Render(email, name string, vars map[string]any) (*Message, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	data := TemplateData{Email: email, Name: name, Vars: vars}

	msg := &Message{
		From:     c.src.FromAddress,
		FromName: c.src.FromName,
		To:       email,
		ToName:   name,
	}

	var buf bytes.Buffer
	if err := c.subject.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	msg.Subject = buf.String()

	if c.text != nil {
		buf.Reset()
		if err := c.text.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render text body: %w", err)
		}
		msg.TextBody = buf.String()
	}
	if c.html != nil {
		buf.Reset()
		if err := c.html.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render html body: %w", err)
		}
		msg.HTMLBody = buf.String()
	}
	return msg, nil
}
