// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

// Every recognised key accepts two spellings, English and Spanish; both
// resolve to the same internal field. The alias pre-pass rewrites the
// Spanish spelling before strict decoding so the struct tags only need
// the English names.

// topLevelAliases maps Spanish top-level keys to their English forms.
var topLevelAliases = map[string]string{
	"anfitrion":          "host",
	"puerto":             "port",
	"tiempo-ejecucion":   "runtime",
	"memoria":            "memory",
	"cascada":            "cascade",
	"salud":              "health",
	"cache-semantica":    "cache",
	"incrustacion":       "embedding",
	"meta-control-es":    "meta-control",
	"modelos":            "models",
	"reservas":           "fallbacks",
	"grupos-intercambio": "swap-groups",
	"enrutamiento":       "routing",
	"refinador":          "refiner",
	"auditoria":          "audit",
	"retroalimentacion":  "feedback",
	"depuracion":         "debug",
	"registro-a-archivo": "logging-to-file",
}

// sectionAliases maps Spanish section keys to English ones, per section
// (keyed by the English section name after top-level rewriting).
var sectionAliases = map[string]map[string]string{
	"runtime": {
		"backend_es":          "backend",
		"max_modelos":         "max_concurrent_models",
		"hilos_trabajo":       "worker_threads",
	},
	"memory": {
		"max_ram_bytes_es":      "max_ram_bytes",
		"bytes_ram_max":         "max_ram_bytes",
		"segundos_ttl_inactivo": "idle_ttl_seconds",
		"segundos_limite_carga": "load_deadline_seconds",
		"usar_mmap":             "use_mmap",
		"bloquear_residente":    "lock_resident",
	},
	"cascade": {
		"nivel1":           "tier1",
		"nivel2":           "tier2",
		"nivel3":           "tier3",
		"patrones_forzado": "force_patterns",
	},
	"health": {
		"segundos_aviso_oom":    "oom_warn_seconds",
		"alfa_ewma":             "ewma_alpha",
		"segundos_muestreo":     "sample_interval_seconds",
		"muestras_minimas":      "min_samples",
	},
	"cache": {
		"segundos_ttl_semantico": "semantic_ttl_seconds",
		"niveles_cuantizacion":   "quant_levels",
		"tamano_maximo":          "max_size",
		"ruta_estado":            "state_path",
	},
	"embedding": {
		"ruta_modelo":      "model_path",
		"ruta_vocabulario": "vocab_path",
		"ruta_proyeccion":  "projection_path",
	},
	"routing": {
		"umbral_consulta_web":   "web_query_threshold",
		"umbral_programacion":   "programming_threshold",
		"umbral_alfa_cascada":   "alpha_cascade_threshold",
		"largo_min_multimodal":  "multimodal_min_text_len",
		"pistas_vision":         "vision_cues",
		"anulaciones":           "overrides",
		"modelos":               "models",
	},
	"meta-control": {
		"promover_despues": "promote_after",
		"ruta_estado":      "state_path",
	},
	"audit": {
		"habilitado":     "enabled",
		"ruta_registro":  "log_path",
		"mb_max_tamano":  "max_size_mb",
		"respaldos_max":  "max_backups",
	},
	"feedback": {
		"habilitado":     "enabled",
		"ruta_bd":        "db_path",
		"dias_retencion": "retention_days",
	},
	"refiner": {
		"habilitado":           "enabled",
		"iteraciones_maximas":  "max_iterations",
		"umbral_convergencia":  "convergence_threshold",
		"largo_min_consulta":   "min_query_length",
	},
	"tier": {
		"modelo":          "model",
		"confianza_min":   "min_confidence",
	},
}

// normalizeAliases rewrites bilingual alias keys into their canonical
// English spellings. The English key wins when both spellings appear.
func normalizeAliases(raw map[string]interface{}) map[string]interface{} {
	if raw == nil {
		return map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		canonical := key
		if english, ok := topLevelAliases[key]; ok {
			canonical = english
		}
		if _, exists := out[canonical]; exists && canonical != key {
			continue
		}
		out[canonical] = value
	}

	for section, aliases := range sectionAliases {
		if section == "tier" {
			continue
		}
		sub, ok := out[section].(map[string]interface{})
		if !ok {
			continue
		}
		out[section] = rewriteKeys(sub, aliases)
	}

	// Cascade tiers nest one level deeper.
	if cascade, ok := out["cascade"].(map[string]interface{}); ok {
		for _, tier := range []string{"tier1", "tier2", "tier3"} {
			if sub, ok := cascade[tier].(map[string]interface{}); ok {
				cascade[tier] = rewriteKeys(sub, sectionAliases["tier"])
			}
		}
	}

	return out
}

func rewriteKeys(sub map[string]interface{}, aliases map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(sub))
	for key, value := range sub {
		canonical := key
		if english, ok := aliases[key]; ok {
			canonical = english
		}
		if _, exists := out[canonical]; exists && canonical != key {
			continue
		}
		out[canonical] = value
	}
	return out
}
