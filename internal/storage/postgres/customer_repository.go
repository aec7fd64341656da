package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const customerColumns = `id, organization_id, document_type, document_number, full_name, email, phone,
	address_street, address_number, address_apartment, address_city, address_region,
	address_postal_code, address_country, address_office, created_at, updated_at`

type customerRepository struct {
	db *sql.DB
}

// NewCustomerRepository создаёт PostgreSQL-реализацию CustomerRepository.
// Уникальность документа внутри организации обеспечивает индекс customers_document_uq.
func NewCustomerRepository(store *Store) domain.CustomerRepository {
	return &customerRepository{db: store.DB()}
}

func (r *customerRepository) Get(ctx context.Context, id string) (domain.Customer, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
	return scanCustomer(row, "customers.get")
}

func (r *customerRepository) GetByDocument(ctx context.Context, key domain.DocumentKey) (domain.Customer, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE organization_id = $1 AND document_type = $2 AND document_number = $3
	`, key.OrganizationID, key.DocumentType, key.DocumentNumber)
	return scanCustomer(row, "customers.get_by_document")
}

func (r *customerRepository) Create(ctx context.Context, c domain.Customer) (domain.Customer, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		c.ID, c.OrganizationID,
		nullString(c.DocumentType), nullString(c.DocumentNumber),
		nullString(c.FullName), nullString(c.Email), nullString(c.Phone),
		nullString(c.Address.Street), nullString(c.Address.Number), nullString(c.Address.Apartment),
		nullString(c.Address.City), nullString(c.Address.Region), nullString(c.Address.PostalCode),
		nullString(c.Address.Country), nullString(c.Address.Office),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Customer{}, domain.ErrCustomerAlreadyExists
		}
		return domain.Customer{}, domain.StorageFailure("customers.create", err)
	}
	return c, nil
}

// Update пишет только переданные поля одним UPDATE, чтобы конкурентные патчи
// разных полей не затирали друг друга.
func (r *customerRepository) Update(ctx context.Context, id string, contact domain.CustomerContact, at time.Time) (domain.Customer, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	sets, args := contactAssignments(contact)
	args = append(args, at.UTC(), id)
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)-1))

	query := fmt.Sprintf(`UPDATE customers SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), customerColumns)

	return scanCustomer(r.db.QueryRowContext(ctx, query, args...), "customers.update")
}

func contactAssignments(contact domain.CustomerContact) ([]string, []any) {
	a := contact.Address
	fields := []struct {
		column string
		value  domain.Field[string]
	}{
		{"full_name", contact.FullName},
		{"email", contact.Email},
		{"phone", contact.Phone},
		{"address_street", a.Street},
		{"address_number", a.Number},
		{"address_apartment", a.Apartment},
		{"address_city", a.City},
		{"address_region", a.Region},
		{"address_postal_code", a.PostalCode},
		{"address_country", a.Country},
		{"address_office", a.Office},
	}

	var (
		sets []string
		args []any
	)
	for _, f := range fields {
		if !f.value.IsSet() {
			continue
		}
		args = append(args, nullString(f.value.Ptr()))
		sets = append(sets, fmt.Sprintf("%s = $%d", f.column, len(args)))
	}
	return sets, args
}

func scanCustomer(row *sql.Row, op string) (domain.Customer, error) {
	var (
		c                                          domain.Customer
		docType, docNumber, fullName, email, phone sql.NullString
		street, number, apartment, city, region    sql.NullString
		postal, country, office                    sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.OrganizationID, &docType, &docNumber, &fullName, &email, &phone,
		&street, &number, &apartment, &city, &region, &postal, &country, &office,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Customer{}, domain.ErrCustomerNotFound
		}
		return domain.Customer{}, domain.StorageFailure(op, err)
	}

	c.DocumentType = stringPtr(docType)
	c.DocumentNumber = stringPtr(docNumber)
	c.FullName = stringPtr(fullName)
	c.Email = stringPtr(email)
	c.Phone = stringPtr(phone)
	c.Address = domain.Address{
		Street:     stringPtr(street),
		Number:     stringPtr(number),
		Apartment:  stringPtr(apartment),
		City:       stringPtr(city),
		Region:     stringPtr(region),
		PostalCode: stringPtr(postal),
		Country:    stringPtr(country),
		Office:     stringPtr(office),
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

var _ domain.CustomerRepository = (*customerRepository)(nil)
