package utils

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/garment_backend/config"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs the `validate` tags on an input struct and flattens
// the result into one caller-facing error.
func ValidateStruct(input interface{}) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, ve := range validationErrors {
		return fmt.Errorf("invalid input: field %s failed on %s", ve.Field(), ve.Tag())
	}
	return err
}

// check if id exists, using ctx's business_id in WHERE, return RecordNotFound error
func ValidateResourceId[T any](ctx context.Context, businessId string, id interface{}) error {
	db := config.GetDB()
	var model T
	var count int64
	err := db.WithContext(ctx).Model(&model).
		Where("business_id = ? AND id = ?", businessId, id).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}
