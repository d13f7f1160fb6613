package models

// All returns every model owned by this service, in dependency order, for AutoMigrate
func All() []any {
	return []any{
		&Campaign{},
		&Message{},
		&IncomingMessage{},
		&Consultant{},
	}
}
