package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operation represents a storage operation, one of Create, Read, Update, Delete, List
type Operation string

// all supported operations
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationList:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}

// Plural returns the plural form of the passed singular string.
//
// This is the algorithm used to create idiomatic REST routes
func Plural(singular string) string {
	if strings.HasSuffix(singular, "y") {
		return strings.TrimSuffix(singular, "y") + "ies"
	}
	return singular + "s"
}

// CollectionRoute returns the list route for a resource, e.g. "/categories"
func CollectionRoute(resource string) string {
	return "/" + Plural(resource)
}

// ItemRoute returns the item route for a resource, e.g. "/categories/{category_id}"
func ItemRoute(resource string) string {
	return CollectionRoute(resource) + "/{" + resource + "_id}"
}
