package model

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// User is an account registered on the datacenter emulator.
	User struct {
		ID     primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		Name   string             `bson:"name" json:"name"`
		UserID int64              `bson:"user_id" json:"user_id"`
	}
)
