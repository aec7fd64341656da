package domain

import (
	"net/mail"
	"strings"
	"time"
)

// Address: адрес доставки клиента, все поля необязательны.
type Address struct {
	Street     *string
	Number     *string
	Apartment  *string
	City       *string
	Region     *string
	PostalCode *string
	Country    *string
	Office     *string
}

// Customer: клиент организации. Опциональные атрибуты хранятся как nil, если отсутствуют.
type Customer struct {
	ID             string
	OrganizationID string
	DocumentType   *string
	DocumentNumber *string
	FullName       *string
	Email          *string
	Phone          *string
	Address        Address
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DocumentKey: уникальный ключ клиента внутри организации.
type DocumentKey struct {
	OrganizationID string
	DocumentType   string
	DocumentNumber string
}

// AddressPatch: изменения адреса доставки.
type AddressPatch struct {
	Street     Field[string]
	Number     Field[string]
	Apartment  Field[string]
	City       Field[string]
	Region     Field[string]
	PostalCode Field[string]
	Country    Field[string]
	Office     Field[string]
}

// CustomerContact: контактные данные и адрес, переданные при оформлении корзины.
type CustomerContact struct {
	FullName Field[string]
	Email    Field[string]
	Phone    Field[string]
	Address  AddressPatch
}

// CustomerData: данные клиента из запроса checkout.
type CustomerData struct {
	DocumentType   string
	DocumentNumber string
	Contact        CustomerContact
}

// Normalize обрезает пробелы и приводит тип документа к верхнему регистру.
func (d CustomerData) Normalize() CustomerData {
	d.DocumentType = strings.ToUpper(strings.TrimSpace(d.DocumentType))
	d.DocumentNumber = strings.TrimSpace(d.DocumentNumber)
	d.Contact.Email = trimField(d.Contact.Email)
	return d
}

func trimField(f Field[string]) Field[string] {
	v, ok := f.Value()
	if !ok {
		return f
	}
	return Set(strings.TrimSpace(v))
}

// Validate проверяет согласованность документа и формат email.
func (d CustomerData) Validate() error {
	switch {
	case d.DocumentNumber != "" && d.DocumentType == "":
		return ErrDocumentTypeRequired
	case d.DocumentType != "" && d.DocumentNumber == "":
		return ErrDocumentNumberRequired
	}
	if email, ok := d.Contact.Email.Value(); ok && email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return ErrEmailInvalid
		}
	}
	return nil
}

// Key возвращает ключ идентичности; ok=false, если документ не передан.
func (d CustomerData) Key(organizationID string) (DocumentKey, bool) {
	if d.DocumentType == "" || d.DocumentNumber == "" {
		return DocumentKey{}, false
	}
	return DocumentKey{
		OrganizationID: organizationID,
		DocumentType:   d.DocumentType,
		DocumentNumber: d.DocumentNumber,
	}, true
}

// NewCustomer собирает нового клиента: всё, что не передано, хранится как явное отсутствие.
func NewCustomer(id, organizationID string, data CustomerData, now time.Time) Customer {
	c := Customer{
		ID:             id,
		OrganizationID: organizationID,
		FullName:       data.Contact.FullName.Ptr(),
		Email:          data.Contact.Email.Ptr(),
		Phone:          data.Contact.Phone.Ptr(),
		Address: Address{
			Street:     data.Contact.Address.Street.Ptr(),
			Number:     data.Contact.Address.Number.Ptr(),
			Apartment:  data.Contact.Address.Apartment.Ptr(),
			City:       data.Contact.Address.City.Ptr(),
			Region:     data.Contact.Address.Region.Ptr(),
			PostalCode: data.Contact.Address.PostalCode.Ptr(),
			Country:    data.Contact.Address.Country.Ptr(),
			Office:     data.Contact.Address.Office.Ptr(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if key, ok := data.Key(organizationID); ok {
		c.DocumentType = &key.DocumentType
		c.DocumentNumber = &key.DocumentNumber
	}
	return c
}

// Key возвращает ключ идентичности сохранённого клиента.
func (c Customer) Key() (DocumentKey, bool) {
	if c.DocumentType == nil || c.DocumentNumber == nil {
		return DocumentKey{}, false
	}
	return DocumentKey{
		OrganizationID: c.OrganizationID,
		DocumentType:   *c.DocumentType,
		DocumentNumber: *c.DocumentNumber,
	}, true
}

// Apply применяет патч контактов (путь обновления): не переданные поля не меняются.
func (c Customer) Apply(contact CustomerContact, now time.Time) Customer {
	c.FullName = contact.FullName.Patch(c.FullName)
	c.Email = contact.Email.Patch(c.Email)
	c.Phone = contact.Phone.Patch(c.Phone)
	c.Address = Address{
		Street:     contact.Address.Street.Patch(c.Address.Street),
		Number:     contact.Address.Number.Patch(c.Address.Number),
		Apartment:  contact.Address.Apartment.Patch(c.Address.Apartment),
		City:       contact.Address.City.Patch(c.Address.City),
		Region:     contact.Address.Region.Patch(c.Address.Region),
		PostalCode: contact.Address.PostalCode.Patch(c.Address.PostalCode),
		Country:    contact.Address.Country.Patch(c.Address.Country),
		Office:     contact.Address.Office.Patch(c.Address.Office),
	}
	c.UpdatedAt = now
	return c
}

// Empty: патч не содержит ни одного переданного поля.
func (p CustomerContact) Empty() bool {
	a := p.Address
	return !p.FullName.IsSet() && !p.Email.IsSet() && !p.Phone.IsSet() &&
		!a.Street.IsSet() && !a.Number.IsSet() && !a.Apartment.IsSet() && !a.City.IsSet() &&
		!a.Region.IsSet() && !a.PostalCode.IsSet() && !a.Country.IsSet() && !a.Office.IsSet()
}
