package events

import "strings"

// targetAliases отображает логические имена целевых приложений на физические
// префиксы привязок очередей. Таблица — единственное место, где задаётся
// это соответствие: привязка консьюмера "ops.#" получает события,
// опубликованные с логической целью "operations".
//
// Приложения без алиаса используют логическое имя как префикс напрямую.
var targetAliases = map[string]string{
	"operations": "ops",
}

// RoutingKey вычисляет routing key события: "{префикс цели}.{тип события}",
// где подчёркивания в типе заменяются точками.
//
// Чистая функция: одинаковые аргументы всегда дают одинаковый ключ.
//
//	RoutingKey("operations", "lead_created") == "ops.lead.created"
//	RoutingKey("crm", "user_created")        == "crm.user.created"
func RoutingKey(targetApp, eventType string) string {
	prefix := targetApp
	if alias, ok := targetAliases[targetApp]; ok {
		prefix = alias
	}

	return prefix + "." + strings.ReplaceAll(eventType, "_", ".")
}
