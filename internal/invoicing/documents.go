package invoicing

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"

	"github.com/odyssey-erp/odyssey-billing/internal/archive"
	"github.com/odyssey-erp/odyssey-billing/internal/mailer"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

const defaultArchiveMode = archive.ModeProduction

var errDocumentsDisabled = errors.New("invoicing: document rendering not configured")

// Render returns the PDF of an invoice. Drafts can be previewed; they carry a
// draft watermark.
func (s *Service) Render(ctx context.Context, tenantID, id int64, mode archive.Mode) ([]byte, *Invoice, error) {
	if s.renderer == nil {
		return nil, nil, errDocumentsDisabled
	}
	inv, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	doc, err := s.document(ctx, inv, mode)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.renderer.Render(ctx, doc)
	if err != nil {
		return nil, nil, err
	}
	return data, inv, nil
}

// Archive renders a numbered invoice and records where it was filed.
func (s *Service) Archive(ctx context.Context, tenantID, id int64, mode archive.Mode) (string, error) {
	if s.renderer == nil || s.store == nil {
		return "", errDocumentsDisabled
	}
	inv, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	if inv.Status == StatusDraft {
		return "", ErrNotArchivable
	}
	doc, err := s.document(ctx, inv, mode)
	if err != nil {
		return "", err
	}
	data, err := s.renderer.Render(ctx, doc)
	if err != nil {
		return "", err
	}
	path, err := s.store.Save(ctx, tenantID, doc.Filename(), data, inv.IssueDate)
	if err != nil {
		return "", err
	}
	if err := s.repo.SetArchivePath(ctx, tenantID, id, path); err != nil {
		return "", fmt.Errorf("record archive path: %w", err)
	}
	return path, nil
}

// Deliver records a delivery request and hands it to the worker. Without a
// queue the email is sent inline.
func (s *Service) Deliver(ctx context.Context, actor shared.Principal, id int64, in DeliverInput) (DeliveryLog, error) {
	if err := ValidateDeliverInput(in); err != nil {
		return DeliveryLog{}, err
	}
	inv, err := s.repo.Get(ctx, actor.TenantID, id)
	if err != nil {
		return DeliveryLog{}, err
	}
	if inv.Status == StatusDraft {
		return DeliveryLog{}, ErrNotDeliverable
	}
	subject := in.Subject
	if subject == "" {
		subject = "Factura " + inv.NumberOrEmpty()
	}
	log := DeliveryLog{
		TenantID:  actor.TenantID,
		InvoiceID: id,
		Recipient: in.To,
		Subject:   subject,
		Body:      in.Body,
		AttachPDF: in.AttachPDF,
		Status:    DeliveryQueued,
		CreatedBy: actor.ActorID,
		CreatedAt: s.now(),
	}
	log.ID, err = s.repo.InsertDeliveryLog(ctx, log)
	if err != nil {
		return DeliveryLog{}, fmt.Errorf("insert delivery log: %w", err)
	}
	s.record(ctx, actor, "invoice.delivery_queued", entityDelivery, log.ID, nil, log, "")

	if s.queue != nil {
		qerr := s.queue.EnqueueDelivery(ctx, actor.TenantID, log.ID)
		if qerr == nil {
			return log, nil
		}
		s.logger.Warn("enqueue delivery failed, sending inline",
			slog.Int64("delivery_id", log.ID),
			slog.Any("error", qerr),
		)
	}
	if err := s.SendDelivery(ctx, actor.TenantID, log.ID); err != nil {
		s.logger.Warn("inline delivery failed", slog.Int64("delivery_id", log.ID), slog.Any("error", err))
	}
	updated, err := s.repo.GetDeliveryLog(ctx, actor.TenantID, log.ID)
	if err != nil {
		return log, nil
	}
	return *updated, nil
}

// SendDelivery performs one delivery attempt and stores its outcome. An
// error is returned on failure so the worker retries.
func (s *Service) SendDelivery(ctx context.Context, tenantID, deliveryID int64) error {
	log, err := s.repo.GetDeliveryLog(ctx, tenantID, deliveryID)
	if err != nil {
		return err
	}
	if log.Status == DeliverySent {
		return nil
	}
	if s.mailer == nil {
		return s.failDelivery(ctx, log, errors.New("mailer not configured"))
	}
	inv, err := s.repo.Get(ctx, tenantID, log.InvoiceID)
	if err != nil {
		return s.failDelivery(ctx, log, err)
	}

	body := log.Body
	if body == "" {
		body = fmt.Sprintf("<p>Adjuntamos la factura %s.</p>", html.EscapeString(inv.NumberOrEmpty()))
	}
	msg := mailer.Message{To: log.Recipient, Subject: log.Subject, HTML: body}
	if log.AttachPDF {
		if s.renderer == nil {
			return s.failDelivery(ctx, log, errDocumentsDisabled)
		}
		doc, err := s.document(ctx, inv, defaultArchiveMode)
		if err != nil {
			return s.failDelivery(ctx, log, err)
		}
		data, err := s.renderer.Render(ctx, doc)
		if err != nil {
			return s.failDelivery(ctx, log, err)
		}
		msg.Attachments = append(msg.Attachments, mailer.Attachment{
			Filename:    doc.Filename(),
			ContentType: "application/pdf",
			Data:        data,
		})
	}

	messageID, err := s.mailer.Send(ctx, msg)
	if err != nil {
		return s.failDelivery(ctx, log, err)
	}
	sentAt := s.now()
	if err := s.repo.UpdateDeliveryLog(ctx, log.ID, DeliverySent, messageID, "", &sentAt); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	s.observe("delivered")
	return nil
}

func (s *Service) failDelivery(ctx context.Context, log *DeliveryLog, cause error) error {
	if err := s.repo.UpdateDeliveryLog(context.WithoutCancel(ctx), log.ID, DeliveryFailed, "", cause.Error(), nil); err != nil {
		s.logger.Error("record delivery failure", slog.Int64("delivery_id", log.ID), slog.Any("error", err))
	}
	s.observe("delivery_failed")
	return fmt.Errorf("deliver %d: %w", log.ID, cause)
}

func (s *Service) document(ctx context.Context, inv *Invoice, mode archive.Mode) (archive.Document, error) {
	parties, err := s.repo.Parties(ctx, inv.TenantID, inv.ClientID)
	if err != nil {
		return archive.Document{}, fmt.Errorf("load parties: %w", err)
	}
	doc := archive.Document{
		Mode:          mode,
		TenantID:      inv.TenantID,
		InvoiceID:     inv.ID,
		Number:        inv.NumberOrEmpty(),
		Status:        string(inv.Status),
		IssueDate:     inv.IssueDate,
		Issuer:        archive.Party{Name: parties.IssuerName, TaxID: parties.IssuerTaxID, Address: parties.IssuerAddress},
		Client:        archive.Party{Name: parties.ClientName, TaxID: parties.ClientTaxID, Address: parties.ClientAddress},
		Subtotal:      inv.Subtotal,
		VATTotal:      inv.VATTotal,
		Total:         inv.Total,
		VATNote:       inv.VATNote,
		PaymentMethod: inv.PaymentMethod,
		UpdatedAt:     inv.UpdatedAt,
	}
	if inv.LedgerHash != nil {
		doc.LedgerHash = *inv.LedgerHash
	}
	if inv.RectifiesID != nil {
		if orig, err := s.repo.Get(ctx, inv.TenantID, *inv.RectifiesID); err == nil {
			doc.Rectifies = orig.NumberOrEmpty()
		}
	}
	for _, l := range inv.Lines {
		doc.Lines = append(doc.Lines, archive.Line{
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			VATPercent:  l.VATPercent,
			Total:       l.LineTotal,
		})
	}
	return doc, nil
}
