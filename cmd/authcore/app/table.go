// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/stacklok/authcore/pkg/authcore/keys"
)

// domainSummary is one validated domain as shown by validate.
type domainSummary struct {
	id      string
	issuer  string
	snap    *keys.Snapshot
	clients int
}

// renderCertificateTable writes one row per deployed certificate.
func renderCertificateTable(w io.Writer, domains []domainSummary) error {
	headers := []string{"Domain", "Issuer", "Certificate", "Algorithm", "Key ID", "Usage", "Default", "Clients"}

	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)

	for _, d := range domains {
		def, _ := d.snap.Default()
		for _, p := range d.snap.Providers() {
			isDefault := "no"
			if p == def {
				isDefault = "yes"
			}
			if err := table.Append([]string{
				d.id,
				d.issuer,
				p.CertificateID(),
				p.Algorithm(),
				p.KeyID(),
				string(p.Usage()),
				isDefault,
				strconv.Itoa(d.clients),
			}); err != nil {
				return fmt.Errorf("failed to append row: %w", err)
			}
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
